// Package engine composes the run executor, the tab store, the
// metadata journal and the event broker into the orchestration facade
// consumed by the API layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netlabtools/capagent/internal/capture"
	"github.com/netlabtools/capagent/internal/events"
	"github.com/netlabtools/capagent/internal/logging"
	"github.com/netlabtools/capagent/internal/models"
	"github.com/netlabtools/capagent/internal/tabs"
)

// Re-exported sentinels so callers only import the engine package.
var (
	ErrTabNotFound    = tabs.ErrTabNotFound
	ErrTabRunning     = tabs.ErrTabRunning
	ErrAlreadyRunning = capture.ErrAlreadyRunning
)

// Engine is the orchestration facade. All tab and run mutations flow
// through it so every state change is persisted and broadcast.
type Engine struct {
	store  *tabs.Store
	exec   *capture.Executor
	broker *events.Broker
	logger zerolog.Logger
}

// New creates an Engine from its collaborators.
func New(store *tabs.Store, exec *capture.Executor, broker *events.Broker) *Engine {
	return &Engine{
		store:  store,
		exec:   exec,
		broker: broker,
		logger: logging.Component("engine"),
	}
}

// ------------------------------------------------------------------
// Subscriptions
// ------------------------------------------------------------------

// Subscribe registers an event subscriber.
func (e *Engine) Subscribe() *events.Subscriber {
	return e.broker.Subscribe()
}

// Unsubscribe removes an event subscriber.
func (e *Engine) Unsubscribe(sub *events.Subscriber) {
	e.broker.Unsubscribe(sub)
}

// Shutdown notifies all subscribers that the server is going away.
func (e *Engine) Shutdown() {
	e.broker.Shutdown()
}

// ------------------------------------------------------------------
// Tab CRUD
// ------------------------------------------------------------------

// ListTabs returns snapshots of all tabs.
func (e *Engine) ListTabs() []*models.Tab {
	return e.store.List()
}

// GetTab returns a snapshot of one tab.
func (e *Engine) GetTab(tabID string) (*models.Tab, error) {
	return e.store.Get(tabID)
}

// CreateTab creates a new idle tab and broadcasts it.
func (e *Engine) CreateTab(title, profileID string) *models.Tab {
	tab := e.store.Create(title, profileID)
	e.broker.Publish(models.Event{Type: models.EventTypeTabCreated, Tab: tab})
	return tab
}

// UpdateTab updates title and/or profile reference and broadcasts.
func (e *Engine) UpdateTab(tabID string, title, profileID *string) (*models.Tab, error) {
	tab, err := e.store.Update(tabID, title, profileID)
	if err != nil {
		return nil, err
	}
	e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: tab})
	return tab, nil
}

// DeleteTab removes a tab unless it has an open run.
func (e *Engine) DeleteTab(tabID string) error {
	if err := e.store.Delete(tabID, e.exec.RunningTabIDs()); err != nil {
		return err
	}
	e.broker.Publish(models.Event{Type: models.EventTypeTabDeleted, TabID: tabID})
	return nil
}

// Logs returns the tab's log entries after the given sequence number
// (after < 0 returns all) plus the current high-water mark.
func (e *Engine) Logs(tabID string, after int64) ([]models.LogEntry, int64, error) {
	return e.store.Logs(tabID, after)
}

// ------------------------------------------------------------------
// Log plumbing
// ------------------------------------------------------------------

// appendLog records one tab log line and broadcasts both the entry and
// the refreshed tab snapshot.
func (e *Engine) appendLog(tabID, message, iface string) {
	entry, snapshot := e.store.AppendLog(tabID, message, iface)
	if entry == nil {
		return
	}
	e.broker.Publish(models.Event{Type: models.EventTypeLogEntry, TabID: tabID, Entry: entry})
	e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: snapshot})
}

func (e *Engine) sinkFor(tabID string) capture.LogSink {
	return func(message, iface string) {
		e.appendLog(tabID, message, iface)
	}
}

// ------------------------------------------------------------------
// Test execution
// ------------------------------------------------------------------

// StartTest starts a run for the tab using the given profile and
// returns the resulting tab snapshot. Conflicts (already running)
// surface synchronously and leave the tab untouched; validation and
// spawn errors mark the tab failed.
func (e *Engine) StartTest(tabID string, profile models.Profile) (*models.Tab, error) {
	tab, err := e.store.Get(tabID)
	if err != nil {
		return nil, err
	}
	if e.exec.IsRunning(tabID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, tabID)
	}

	// Reserve the tab before touching the executor. The active check
	// and the placeholder write share the store lock, so of two racing
	// starts exactly one passes and the loser can never overwrite the
	// winner's run record.
	var prevStatus models.TabStatus
	var prevRun *models.Run
	snapshot, reserved := e.store.Mutate(tabID, func(t *models.Tab) bool {
		if t.Status.Active() {
			return false
		}
		prevStatus = t.Status
		prevRun = t.Run
		t.Status = models.TabStatusStarting
		t.Run = &models.Run{
			ProfileID:  profile.ID,
			StartedUTC: models.UTCNow(),
		}
		return true
	})
	if snapshot == nil {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	if !reserved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, tabID)
	}
	e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: snapshot})

	sink := e.sinkFor(tabID)

	tabName := tab.Title
	if tabName == "" {
		tabName = "Test"
	}

	result, err := e.exec.Start(tabID, tabName, profile, sink)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			// The executor still tracks a run whose record the store
			// has already closed. A conflict must not change the tab,
			// so undo the reservation instead of failing the run.
			e.revertReservation(tabID, prevStatus, prevRun)
			return nil, err
		}
		e.markStartFailed(tabID, err.Error())
		return nil, err
	}

	run := &models.Run{
		ID:            result.RunID,
		ProfileID:     profile.ID,
		StartedUTC:    result.StartedUTC,
		Commands:      result.Commands,
		FilenameBases: result.FilenameBases,
		CaptureIDs:    result.CaptureIDs,
		MainCaptureID: result.MainCaptureID,
		PIDs:          result.PIDs,
		Interfaces:    result.Interfaces,
		RingFileSize:  result.RingFileSize,
		RingFileCount: result.RingFileCount,
		BPFFilter:     result.Filter,
	}
	// The run record must be stored before any watcher can observe an
	// exit: finalization matches on the run id.
	snapshot = e.store.SetStatus(tabID, models.TabStatusRunning, run)
	if snapshot != nil {
		e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: snapshot})
	}

	// One watcher per interface process. The watcher context is bound
	// into the executor so an explicit stop can cancel it before
	// terminating the process.
	for _, proc := range result.Procs {
		watchCtx, cancel := context.WithCancel(context.Background())
		e.exec.BindWatcher(tabID, proc.Interface, cancel)
		go e.watch(watchCtx, tabID, result.RunID, result.TestMetaFile, proc, sink)
	}

	pids := make([]string, len(result.PIDs))
	for i, pid := range result.PIDs {
		pids[i] = strconv.Itoa(pid)
	}
	e.appendLog(tabID, fmt.Sprintf("run %s started (%d interface(s), PIDs: %s)",
		result.RunID, len(result.Interfaces), strings.Join(pids, ", ")), "")

	if profile.Settings.StopCondition == "duration" {
		seconds := profile.Settings.DurationSeconds()
		e.appendLog(tabID, fmt.Sprintf("automatic stop after %ds", seconds), "")
		go e.autoStop(tabID, result.RunID, time.Duration(seconds)*time.Second)
	}

	runLogger := logging.WithRun(logging.WithTab(e.logger, tabID), result.RunID)
	runLogger.Info().
		Strs("interfaces", result.Interfaces).
		Msg("run started")

	return snapshot, nil
}

// watch drives one interface process to completion. The exit handler
// fires at most once per process and never after cancellation.
func (e *Engine) watch(ctx context.Context, tabID, runID, metaFile string, proc *capture.InterfaceProcess, sink capture.LogSink) {
	proc.Sup.Watch(ctx, sink, func(code *int, readErr error) {
		e.handleExit(tabID, runID, metaFile, proc, code, readErr)
	})
}

// handleExit processes the natural exit of one interface process:
// journal the stop row, log, and finalize the run once every sibling
// has a terminal exit code.
func (e *Engine) handleExit(tabID, runID, metaFile string, proc *capture.InterfaceProcess, code *int, readErr error) {
	e.exec.JournalStop(proc, metaFile)

	codeDisplay := "—"
	if code != nil {
		codeDisplay = strconv.Itoa(*code)
	}
	e.appendLog(tabID, fmt.Sprintf("[%s] capture process exited (exit code: %s)", proc.Interface, codeDisplay), proc.Interface)

	done, codes := e.exec.Done(tabID)
	if !done {
		return
	}

	var errText string
	if readErr != nil {
		errText = readErr.Error()
	}

	// The run identity check and the finished guard both run under the
	// store lock: a stop racing this exit, or a new run started for
	// the same tab, must not be finalized twice or cross-finalized.
	snapshot, finalized := e.store.Mutate(tabID, func(tab *models.Tab) bool {
		if tab.Run == nil || tab.Run.ID != runID || tab.Run.Finished() {
			return false
		}
		tab.Run.FinishedUTC = models.UTCNow()
		tab.Run.ExitCodes = codes
		tab.Run.Error = errText
		tab.Status = runOutcome(codes, errText)
		return true
	})
	if !finalized {
		return
	}

	e.exec.Remove(tabID)
	e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: snapshot})
	e.appendLog(tabID, fmt.Sprintf("run %s finished (status: %s, exit codes: [%s])",
		runID, snapshot.Status, models.FormatExitCodes(codes)), "")
}

// runOutcome maps exit codes to the terminal tab status: failed when
// any code or error is non-clean, completed otherwise.
func runOutcome(codes []*int, errText string) models.TabStatus {
	if errText != "" {
		return models.TabStatusFailed
	}
	for _, c := range codes {
		if c != nil && *c != 0 {
			return models.TabStatusFailed
		}
	}
	return models.TabStatusCompleted
}

// StopTest stops the tab's open run. Stop is idempotent: with no open
// run it returns the current tab snapshot unchanged. When the exit
// path has not already finalized the run, stop finalizes it here.
func (e *Engine) StopTest(tabID string) (*models.Tab, error) {
	result := e.exec.Stop(tabID, e.sinkFor(tabID))

	if !result.Stopped {
		tab, err := e.store.Get(tabID)
		if err != nil {
			return nil, err
		}
		return tab, nil
	}

	snapshot, mutated := e.store.Mutate(tabID, func(tab *models.Tab) bool {
		if tab.Run == nil || tab.Run.Finished() {
			return false
		}
		tab.Run.FinishedUTC = models.UTCNow()
		tab.Run.ExitCodes = result.ExitCodes
		tab.Status = runOutcome(result.ExitCodes, "")
		return true
	})
	if snapshot == nil {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	// When the exit path already finalized the run there is nothing new
	// to announce.
	if mutated {
		e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: snapshot})
	}

	runLogger := logging.WithRun(logging.WithTab(e.logger, tabID), result.RunID)
	runLogger.Info().Msg("run stopped")
	return snapshot, nil
}

// markStartFailed closes the starting placeholder after a validation
// or spawn error and broadcasts the failed state. The executor rolls
// back its own registration on these paths, so only the store record
// needs closing here.
func (e *Engine) markStartFailed(tabID, message string) {
	e.appendLog(tabID, message, "")

	snapshot, mutated := e.store.Mutate(tabID, func(tab *models.Tab) bool {
		if tab.Run == nil || tab.Run.ID != "" || tab.Run.Finished() {
			return false
		}
		tab.Run.FinishedUTC = models.UTCNow()
		tab.Run.ExitCodes = []*int{nil}
		tab.Run.Error = message
		tab.Status = models.TabStatusFailed
		return true
	})
	if mutated {
		e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: snapshot})
	}
}

// revertReservation undoes a starting placeholder after the executor
// rejected the start as a conflict. Only the placeholder itself is
// replaced; a run record with an id belongs to someone else.
func (e *Engine) revertReservation(tabID string, status models.TabStatus, run *models.Run) {
	snapshot, mutated := e.store.Mutate(tabID, func(tab *models.Tab) bool {
		if tab.Status != models.TabStatusStarting || tab.Run == nil || tab.Run.ID != "" {
			return false
		}
		tab.Status = status
		tab.Run = run
		return true
	})
	if mutated {
		e.broker.Publish(models.Event{Type: models.EventTypeTabUpdated, Tab: snapshot})
	}
}

// autoStop issues a deferred stop once the configured duration
// elapses, but only if the same run is still live, unfinished and
// tracked. Early termination makes it a silent no-op.
func (e *Engine) autoStop(tabID, runID string, d time.Duration) {
	time.Sleep(d)

	tab, err := e.store.Get(tabID)
	if err != nil {
		return
	}
	if tab.Run == nil || tab.Run.ID != runID || tab.Run.Finished() {
		return
	}
	if !e.exec.IsRunning(tabID) {
		return
	}

	e.appendLog(tabID, fmt.Sprintf("duration timer elapsed (%s), stopping automatically", d), "")
	if _, err := e.StopTest(tabID); err != nil && !errors.Is(err, ErrTabNotFound) {
		tabLogger := logging.WithTab(e.logger, tabID)
		tabLogger.Warn().Err(err).Msg("auto-stop failed")
	}
}

// AbortAll terminates every tracked run, best effort. Shutdown hook.
func (e *Engine) AbortAll() {
	e.exec.AbortAll()
}
