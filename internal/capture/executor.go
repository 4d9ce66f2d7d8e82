package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netlabtools/capagent/internal/journal"
	"github.com/netlabtools/capagent/internal/logging"
	"github.com/netlabtools/capagent/internal/models"
)

// ErrAlreadyRunning is returned when a tab already has an open run.
var ErrAlreadyRunning = errors.New("test already running for tab")

// settleWait gives cancelled watchers a chance to park before their
// processes are terminated.
const settleWait = 100 * time.Millisecond

// InterfaceProcess binds one OS capture process to one run.
type InterfaceProcess struct {
	Interface    string
	CaptureID    string
	PID          int
	FilenameBase string
	Sup          *Supervisor

	cancelWatch context.CancelFunc
	stopOnce    sync.Once
}

// activeRun is the executor's tracking record for one open run.
type activeRun struct {
	runID         string
	mainCaptureID string
	interfaces    []string
	ringSize      int
	ringCount     int
	filter        string
	procs         []*InterfaceProcess
	testMetaFile  string
	pending       bool
}

// StartResult is the run context handed back to the facade after all
// interface processes spawned successfully.
type StartResult struct {
	RunID         string
	MainCaptureID string
	StartedUTC    string
	Interfaces    []string
	Commands      []string
	FilenameBases []string
	CaptureIDs    []string
	PIDs          []int
	RingFileSize  int
	RingFileCount int
	Filter        string
	Procs         []*InterfaceProcess
	TestMetaFile  string
}

// StopResult reports the outcome of a stop request.
type StopResult struct {
	Stopped      bool
	RunID        string
	ExitCodes    []*int
	TestMetaFile string
}

// Executor turns validated profiles into supervised multi-interface
// runs and tracks them by tab id.
type Executor struct {
	captureDir string
	bin        string
	journal    *journal.Journal
	logger     zerolog.Logger

	mu   sync.Mutex
	runs map[string]*activeRun
}

// NewExecutor creates an Executor writing capture files to captureDir
// and journaling through j.
func NewExecutor(captureDir, bin string, j *journal.Journal) (*Executor, error) {
	if err := os.MkdirAll(captureDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create capture directory: %w", err)
	}
	return &Executor{
		captureDir: captureDir,
		bin:        bin,
		journal:    j,
		logger:     logging.Component("executor"),
		runs:       make(map[string]*activeRun),
	}, nil
}

// IsRunning reports whether the tab has an open run.
func (e *Executor) IsRunning(tabID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[tabID]
	return ok
}

// RunningTabIDs returns the set of tab ids with open runs.
func (e *Executor) RunningTabIDs() map[string]struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make(map[string]struct{}, len(e.runs))
	for id := range e.runs {
		ids[id] = struct{}{}
	}
	return ids
}

// Remove deregisters and returns the tab's run, or nil.
func (e *Executor) Remove(tabID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[tabID]
	delete(e.runs, tabID)
	return ok
}

// TestMetaFile returns the per-test metadata file for an open run, or
// empty when disabled or not running.
func (e *Executor) TestMetaFile(tabID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.runs[tabID]; ok {
		return run.testMetaFile
	}
	return ""
}

// BindWatcher attaches the cancellation handle of the watcher driving
// one interface process, so Stop can suppress its exit reporting.
func (e *Executor) BindWatcher(tabID, iface string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[tabID]
	if !ok {
		return
	}
	for _, p := range run.procs {
		if p.Interface == iface {
			p.cancelWatch = cancel
			return
		}
	}
}

// Start spawns one capture process per planned interface, journals the
// start rows and registers the run. The already-running check and the
// registration share one critical section: the tab id is reserved up
// front and the reservation is replaced (or rolled back) once spawning
// finishes. A run is all-or-nothing: if any spawn fails, every
// already-started sibling is killed before the error propagates.
func (e *Executor) Start(tabID, tabName string, profile models.Profile, sink LogSink) (*StartResult, error) {
	plan, err := BuildPlan(e.captureDir, e.bin, profile)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.runs[tabID]; ok {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.runs[tabID] = &activeRun{pending: true}
	e.mu.Unlock()

	for _, warn := range plan.Warnings {
		sink(warn, "")
	}
	if len(plan.Interfaces) > 1 {
		sink(fmt.Sprintf("starting capture on %d interfaces: %s", len(plan.Interfaces), strings.Join(plan.Interfaces, ", ")), "")
	}
	for _, cmd := range plan.Commands {
		sink(fmt.Sprintf("[%s] starting: %s", cmd.Interface, cmd.Display), cmd.Interface)
	}

	runID := uuid.NewString()
	mainCaptureID := uuid.NewString()
	startedUTC := models.UTCNow()

	var (
		procs        []*InterfaceProcess
		testMetaFile string
	)

	rollback := func() {
		for _, p := range procs {
			p.Sup.Kill()
			go p.Sup.Reap()
		}
		e.mu.Lock()
		delete(e.runs, tabID)
		e.mu.Unlock()
	}

	for _, cmd := range plan.Commands {
		sup, err := Spawn(cmd.Interface, cmd.Argv)
		if err != nil {
			rollback()
			sink(err.Error(), "")
			return nil, err
		}

		captureID := uuid.NewString()
		pid := sup.PID()

		if plan.TestMetadata && testMetaFile == "" {
			base := filepath.Base(cmd.FilenameBase)
			stem := strings.TrimSuffix(base, filepath.Ext(base))
			testMetaFile = filepath.Join(filepath.Dir(cmd.FilenameBase), stem+"_meta.csv")
		}

		if err := e.journal.Append(journal.Row{
			Event:         "start",
			UTC:           startedUTC,
			CaptureID:     captureID,
			MainCaptureID: mainCaptureID,
			Interface:     cmd.Interface,
			Interfaces:    plan.Interfaces,
			RingFileSize:  plan.RingFileSize,
			RingFileCount: plan.RingFileCount,
			FilenameBase:  cmd.FilenameBase,
			PID:           pid,
			BPFFilter:     plan.Filter,
			TestName:      tabName,
			ProfileID:     profile.ID,
			ProfileName:   profile.Name,
		}, testMetaFile); err != nil {
			tabLogger := logging.WithTab(e.logger, tabID)
			tabLogger.Warn().Err(err).Msg("start journal row failed")
		}

		procs = append(procs, &InterfaceProcess{
			Interface:    cmd.Interface,
			CaptureID:    captureID,
			PID:          pid,
			FilenameBase: cmd.FilenameBase,
			Sup:          sup,
		})

		sink(fmt.Sprintf("[%s] started (PID %d, capture id %s…)", cmd.Interface, pid, captureID[:8]), cmd.Interface)
	}

	e.mu.Lock()
	e.runs[tabID] = &activeRun{
		runID:         runID,
		mainCaptureID: mainCaptureID,
		interfaces:    plan.Interfaces,
		ringSize:      plan.RingFileSize,
		ringCount:     plan.RingFileCount,
		filter:        plan.Filter,
		procs:         procs,
		testMetaFile:  testMetaFile,
	}
	e.mu.Unlock()

	result := &StartResult{
		RunID:         runID,
		MainCaptureID: mainCaptureID,
		StartedUTC:    startedUTC,
		Interfaces:    plan.Interfaces,
		RingFileSize:  plan.RingFileSize,
		RingFileCount: plan.RingFileCount,
		Filter:        plan.Filter,
		Procs:         procs,
		TestMetaFile:  testMetaFile,
	}
	for _, cmd := range plan.Commands {
		result.Commands = append(result.Commands, cmd.Display)
	}
	for _, p := range procs {
		result.FilenameBases = append(result.FilenameBases, p.FilenameBase)
		result.CaptureIDs = append(result.CaptureIDs, p.CaptureID)
		result.PIDs = append(result.PIDs, p.PID)
	}
	return result, nil
}

// Stop ends the tab's open run. It is idempotent: with no open run it
// reports Stopped=false and no error. Watchers are cancelled before
// the processes are terminated so an in-flight watcher cannot race the
// stop and double-finalize.
func (e *Executor) Stop(tabID string, sink LogSink) StopResult {
	e.mu.Lock()
	run, ok := e.runs[tabID]
	if !ok || run.pending {
		e.mu.Unlock()
		return StopResult{Stopped: false}
	}
	delete(e.runs, tabID)
	e.mu.Unlock()

	for _, p := range run.procs {
		if p.cancelWatch != nil {
			p.cancelWatch()
		}
	}
	time.Sleep(settleWait)

	if len(run.procs) > 1 {
		sink(fmt.Sprintf("sending stop signal to %d capture processes…", len(run.procs)), "")
	} else {
		sink("sending stop signal to capture process…", "")
	}

	for _, p := range run.procs {
		p.Sup.Terminate(sink)
	}

	for _, p := range run.procs {
		e.JournalStop(p, run.testMetaFile)
	}

	codes := make([]*int, len(run.procs))
	for i, p := range run.procs {
		codes[i] = p.Sup.ExitCode()
	}
	sink(fmt.Sprintf("run %s stopped (exit codes: [%s])", run.runID, models.FormatExitCodes(codes)), "")

	return StopResult{
		Stopped:      true,
		RunID:        run.runID,
		ExitCodes:    codes,
		TestMetaFile: run.testMetaFile,
	}
}

// JournalStop writes the stop row for one interface process. Both the
// stop path and the exit watcher report stops here; whichever arrives
// first writes the row and the other is a no-op, so a capture never
// gets two stop rows.
func (e *Executor) JournalStop(proc *InterfaceProcess, testMetaFile string) {
	proc.stopOnce.Do(func() {
		if err := e.journal.Append(journal.Row{
			Event:     "stop",
			UTC:       models.UTCNow(),
			CaptureID: proc.CaptureID,
			Interface: proc.Interface,
			PID:       proc.PID,
		}, testMetaFile); err != nil {
			e.logger.Warn().Err(err).Str("interface", proc.Interface).Msg("stop journal row failed")
		}
	})
}

// AbortAll is the shutdown path: best-effort termination of every
// tracked run. Partial failures are logged, never raised.
func (e *Executor) AbortAll() {
	e.mu.Lock()
	running := make(map[string]*activeRun, len(e.runs))
	for id, run := range e.runs {
		running[id] = run
	}
	e.runs = make(map[string]*activeRun)
	e.mu.Unlock()

	for _, run := range running {
		for _, p := range run.procs {
			if p.cancelWatch != nil {
				p.cancelWatch()
			}
		}
	}
	time.Sleep(settleWait)

	for tabID, run := range running {
		tabLogger := logging.WithTab(e.logger, tabID)
		for _, p := range run.procs {
			if err := p.Sup.signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				tabLogger.Warn().Err(err).Str("interface", p.Interface).Msg("abort terminate failed")
			}
		}
		for _, p := range run.procs {
			e.JournalStop(p, run.testMetaFile)
		}
		runLogger := logging.WithRun(tabLogger, run.runID)
		runLogger.Info().Msg("run aborted")
	}
}

// Done reports whether every sibling process of the tab's open run has
// a terminal exit code, along with the codes observed so far (nil for
// not-yet-exited entries). It never blocks.
func (e *Executor) Done(tabID string) (bool, []*int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run, ok := e.runs[tabID]
	if !ok || run.pending {
		return false, nil
	}
	codes := make([]*int, len(run.procs))
	allDone := true
	for i, p := range run.procs {
		codes[i] = p.Sup.ExitCode()
		if codes[i] == nil {
			allDone = false
		}
	}
	return allDone, codes
}
