package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *sinkRecorder) sink(message, iface string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, message)
}

func (r *sinkRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestSupervisorStreamsOutputAndExitCode(t *testing.T) {
	sup, err := Spawn("eth0", []string{"/bin/sh", "-c", "echo one; echo two 1>&2; exit 3"})
	require.NoError(t, err)
	require.Greater(t, sup.PID(), 0)

	rec := &sinkRecorder{}
	exitCh := make(chan *int, 1)

	sup.Watch(context.Background(), rec.sink, func(code *int, readErr error) {
		require.NoError(t, readErr)
		exitCh <- code
	})

	select {
	case code := <-exitCh:
		require.NotNil(t, code)
		require.Equal(t, 3, *code)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	lines := rec.snapshot()
	require.Contains(t, lines, "one")
	require.Contains(t, lines, "two")
}

func TestSupervisorCancelledWatcherSuppressesCallback(t *testing.T) {
	sup, err := Spawn("eth0", []string{"/bin/sh", "-c", "sleep 30"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	called := make(chan struct{}, 1)
	watchDone := make(chan struct{})
	go func() {
		sup.Watch(ctx, func(string, string) {}, func(*int, error) {
			called <- struct{}{}
		})
		close(watchDone)
	}()

	cancel()
	time.Sleep(50 * time.Millisecond)
	sup.Kill()

	select {
	case <-watchDone:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not return")
	}

	select {
	case <-called:
		t.Fatal("exit callback must not fire after cancellation")
	default:
	}
}

func TestSupervisorTerminate(t *testing.T) {
	sup, err := Spawn("eth0", []string{"/bin/sh", "-c", "sleep 30"})
	require.NoError(t, err)

	go sup.Watch(context.Background(), func(string, string) {}, func(*int, error) {})

	rec := &sinkRecorder{}
	start := time.Now()
	sup.Terminate(rec.sink)
	require.Less(t, time.Since(start), termWait, "sh exits on SIGTERM well before the escalation window")

	select {
	case <-sup.Done():
	case <-time.After(time.Second):
		t.Fatal("process not reaped after terminate")
	}
	require.NotNil(t, sup.ExitCode())
}

func TestSupervisorTerminateAlreadyExited(t *testing.T) {
	sup, err := Spawn("eth0", []string{"/bin/sh", "-c", "exit 0"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sup.Watch(context.Background(), func(string, string) {}, func(*int, error) {})
		close(done)
	}()
	<-done

	// Terminating a reaped process is a no-op.
	sup.Terminate(func(string, string) {})
	code := sup.ExitCode()
	require.NotNil(t, code)
	require.Equal(t, 0, *code)
}

func TestKilledProcessIsReaped(t *testing.T) {
	sup, err := Spawn("eth0", []string{"/bin/sh", "-c", "exec sleep 30"})
	require.NoError(t, err)

	// Kill plus Reap is the rollback path for siblings that never get a
	// watcher; the child must not linger as a zombie.
	sup.Kill()
	go sup.Reap()

	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("killed process was never reaped")
	}

	code := sup.ExitCode()
	require.NotNil(t, code)
	require.Equal(t, -1, *code, "a signal death reports no exit code")
}

func TestSpawnFailure(t *testing.T) {
	_, err := Spawn("eth0", []string{"/nonexistent/binary-xyz"})
	require.Error(t, err)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "eth0", execErr.Interface)
}
