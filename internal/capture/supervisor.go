package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/netlabtools/capagent/internal/logging"
)

// Termination escalation timeouts.
const (
	termWait = 5 * time.Second
	killWait = 3 * time.Second
)

// ExecError reports a spawn or OS-level failure for one interface.
type ExecError struct {
	Interface string
	Err       error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("capture start failed for %s: %v", e.Interface, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// LogSink receives one tagged log line per process output line or
// lifecycle message. iface may be empty for run-level messages.
type LogSink func(message, iface string)

// Supervisor owns one external capture process: it spawns it with
// combined stdout/stderr, streams the output line by line, reaps the
// exit status exactly once, and escalates termination when asked.
type Supervisor struct {
	iface  string
	cmd    *exec.Cmd
	out    *os.File
	logger zerolog.Logger

	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	exitCode *int
	waitErr  error
}

// Spawn starts the capture process for one interface. argv[0] is the
// binary path. Spawn failures surface as *ExecError.
func Spawn(iface string, argv []string) (*Supervisor, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &ExecError{Interface: iface, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &ExecError{Interface: iface, Err: err}
	}
	// The child holds its own copy of the write end; close ours so the
	// read side sees EOF when the process exits.
	pw.Close()

	return &Supervisor{
		iface:  iface,
		cmd:    cmd,
		out:    pr,
		logger: logging.Component("supervisor").With().Str("interface", iface).Logger(),
		done:   make(chan struct{}),
	}, nil
}

// PID returns the process id.
func (s *Supervisor) PID() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// ExitCode returns the terminal exit code, or nil while the process
// has not been reaped.
func (s *Supervisor) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Done is closed once the process has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Kill sends an immediate SIGKILL, best effort. Used when a sibling
// spawn fails and the run must be rolled back.
func (s *Supervisor) Kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Reap collects the exit status of a process that will never get a
// watcher, such as a sibling killed during start rollback. Without it
// the child would stay a zombie and its output pipe would leak.
func (s *Supervisor) Reap() {
	s.wait()
}

// Watch streams combined output to sink and reports the terminal exit
// code through onExit exactly once. A cancelled context suppresses the
// callback entirely: a requested stop must not look like a crash.
func (s *Supervisor) Watch(ctx context.Context, sink LogSink, onExit func(code *int, readErr error)) {
	var readErr error

	scanner := bufio.NewScanner(s.out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text(), s.iface)
	}
	if err := scanner.Err(); err != nil {
		// An output read error terminates only this watcher; the
		// process itself is reaped below as usual.
		s.logger.Warn().Err(err).Msg("output read failed")
		readErr = err
	}

	code := s.wait()

	if ctx.Err() != nil {
		return
	}
	onExit(code, readErr)
}

// wait reaps the process exactly once and records its exit code.
func (s *Supervisor) wait() *int {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		s.out.Close()

		code := exitCodeFrom(err)
		s.mu.Lock()
		s.exitCode = code
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
	})
	return s.ExitCode()
}

func exitCodeFrom(err error) *int {
	if err == nil {
		code := 0
		return &code
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return &code
	}
	return nil
}

// Terminate runs the escalation protocol: SIGTERM, wait up to termWait,
// SIGKILL, wait up to killWait, then give up and treat the process as
// terminated. It never blocks indefinitely.
func (s *Supervisor) Terminate(sink LogSink) {
	if s.ExitCode() != nil {
		return
	}

	sink(fmt.Sprintf("[%s] sending SIGTERM…", s.iface), s.iface)
	if err := s.signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		sink(fmt.Sprintf("[%s] SIGTERM warning: %v", s.iface, err), s.iface)
	}

	select {
	case <-s.done:
		return
	case <-time.After(termWait):
	}

	sink(fmt.Sprintf("[%s] SIGTERM timed out, sending SIGKILL…", s.iface), s.iface)
	if err := s.signal(syscall.SIGKILL); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		sink(fmt.Sprintf("[%s] SIGKILL warning: %v", s.iface, err), s.iface)
	}

	select {
	case <-s.done:
	case <-time.After(killWait):
		sink(fmt.Sprintf("[%s] process unresponsive, treating as terminated", s.iface), s.iface)
		s.logger.Warn().Int("pid", s.PID()).Msg("process did not exit after SIGKILL")
	}
}

func (s *Supervisor) signal(sig syscall.Signal) error {
	if s.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return s.cmd.Process.Signal(sig)
}
