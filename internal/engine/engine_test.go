package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netlabtools/capagent/internal/capture"
	"github.com/netlabtools/capagent/internal/events"
	"github.com/netlabtools/capagent/internal/journal"
	"github.com/netlabtools/capagent/internal/models"
	"github.com/netlabtools/capagent/internal/tabs"
)

// trapTermScript exits cleanly on SIGTERM, like the real capture
// binary. The background sleep gets its own fds so it cannot hold the
// output pipe open past the trap.
const trapTermScript = "trap 'exit 0' TERM\nsleep 30 >/dev/null 2>&1 &\nwait $!"

type harness struct {
	eng     *Engine
	store   *tabs.Store
	broker  *events.Broker
	journal string
}

func newHarness(t *testing.T, scriptBody string) *harness {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "fakedump")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+scriptBody+"\n"), 0o755))

	captureDir := t.TempDir()
	j, err := journal.New(captureDir)
	require.NoError(t, err)

	store, err := tabs.NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	exec, err := capture.NewExecutor(captureDir, bin, j)
	require.NoError(t, err)

	broker := events.NewBroker()
	return &harness{
		eng:     New(store, exec, broker),
		store:   store,
		broker:  broker,
		journal: filepath.Join(captureDir, "captures_meta.jsonl"),
	}
}

func (h *harness) waitForStatus(t *testing.T, tabID string, status models.TabStatus) *models.Tab {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tab, err := h.eng.GetTab(tabID)
		require.NoError(t, err)
		if tab.Status == status {
			return tab
		}
		time.Sleep(20 * time.Millisecond)
	}
	tab, _ := h.eng.GetTab(tabID)
	t.Fatalf("tab %s never reached %s (last: %s)", tabID, status, tab.Status)
	return nil
}

func profileWith(interfaces ...string) models.Profile {
	return models.Profile{
		ID:   "prof-1",
		Name: "engine test",
		Settings: models.CaptureSettings{
			Interfaces: interfaces,
		},
	}
}

func intPtr(v int) *int {
	return &v
}

func TestTabCRUDBroadcasts(t *testing.T) {
	h := newHarness(t, "exit 0")
	sub := h.eng.Subscribe()
	defer h.eng.Unsubscribe(sub)

	tab := h.eng.CreateTab("First", "prof-1")
	require.Equal(t, models.TabStatusIdle, tab.Status)

	evt := <-sub.Events()
	require.Equal(t, models.EventTypeTabCreated, evt.Type)
	require.Equal(t, tab.ID, evt.Tab.ID)

	title := "Second"
	updated, err := h.eng.UpdateTab(tab.ID, &title, nil)
	require.NoError(t, err)
	require.Equal(t, "Second", updated.Title)
	evt = <-sub.Events()
	require.Equal(t, models.EventTypeTabUpdated, evt.Type)

	require.NoError(t, h.eng.DeleteTab(tab.ID))
	evt = <-sub.Events()
	require.Equal(t, models.EventTypeTabDeleted, evt.Type)
	require.Equal(t, tab.ID, evt.TabID)

	_, err = h.eng.GetTab(tab.ID)
	require.ErrorIs(t, err, ErrTabNotFound)
}

func TestStartTestCompletesOnCleanExit(t *testing.T) {
	h := newHarness(t, "echo capturing; exit 0")
	tab := h.eng.CreateTab("Clean", "prof-1")

	started, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)
	require.Equal(t, models.TabStatusRunning, started.Status)
	require.NotNil(t, started.Run)
	require.NotEmpty(t, started.Run.ID)
	require.Len(t, started.Run.PIDs, 1)

	final := h.waitForStatus(t, tab.ID, models.TabStatusCompleted)
	require.True(t, final.Run.Finished())
	require.Len(t, final.Run.ExitCodes, 1)
	require.NotNil(t, final.Run.ExitCodes[0])
	require.Equal(t, 0, *final.Run.ExitCodes[0])

	// Process output reached the tab log.
	logs, _, err := h.eng.Logs(tab.ID, -1)
	require.NoError(t, err)
	var seen bool
	for _, entry := range logs {
		if entry.Message == "capturing" && entry.Interface == "eth0" {
			seen = true
		}
	}
	require.True(t, seen, "process output must be streamed into the tab log")
}

func TestStartTestFailsOnNonZeroExit(t *testing.T) {
	h := newHarness(t, "exit 1")
	tab := h.eng.CreateTab("Broken", "prof-1")

	_, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)

	final := h.waitForStatus(t, tab.ID, models.TabStatusFailed)
	require.NotNil(t, final.Run.ExitCodes[0])
	require.Equal(t, 1, *final.Run.ExitCodes[0])
}

func TestMixedExitCodesFailRegardlessOfOrder(t *testing.T) {
	// $2 is the interface argument; eth0 succeeds, eth1 fails.
	h := newHarness(t, `if [ "$2" = "eth0" ]; then exit 0; else exit 1; fi`)
	tab := h.eng.CreateTab("Mixed", "prof-1")

	_, err := h.eng.StartTest(tab.ID, profileWith("eth0", "eth1"))
	require.NoError(t, err)

	final := h.waitForStatus(t, tab.ID, models.TabStatusFailed)
	require.Len(t, final.Run.ExitCodes, 2)

	var codes []int
	for _, c := range final.Run.ExitCodes {
		require.NotNil(t, c)
		codes = append(codes, *c)
	}
	require.ElementsMatch(t, []int{0, 1}, codes)
}

func TestFirstSiblingExitKeepsRunOpen(t *testing.T) {
	// eth0 exits immediately; eth1 keeps capturing until stopped.
	h := newHarness(t, `if [ "$2" = "eth0" ]; then exit 0; fi
trap 'exit 0' TERM
sleep 30 >/dev/null 2>&1 &
wait $!`)
	tab := h.eng.CreateTab("Partial", "prof-1")

	_, err := h.eng.StartTest(tab.ID, profileWith("eth0", "eth1"))
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for {
		logs, _, err := h.eng.Logs(tab.ID, -1)
		require.NoError(t, err)
		var exited bool
		for _, entry := range logs {
			if strings.Contains(entry.Message, "[eth0] capture process exited") {
				exited = true
			}
		}
		if exited {
			break
		}
		require.True(t, time.Now().Before(deadline), "eth0 exit never reached the tab log")
		time.Sleep(20 * time.Millisecond)
	}

	// One sibling down does not end the run.
	current, err := h.eng.GetTab(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusRunning, current.Status)
	require.False(t, current.Run.Finished())

	stopped, err := h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusCompleted, stopped.Status)
	require.Len(t, stopped.Run.ExitCodes, 2)

	// eth0's stop row came from its exit, eth1's from the stop; neither
	// interface gets a second one.
	data, err := os.ReadFile(h.journal)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), `"event":"start"`))
	require.Equal(t, 2, strings.Count(string(data), `"event":"stop"`))
}

func TestDuplicateStartRejected(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Busy", "prof-1")

	_, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)

	_, err = h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = h.eng.StopTest(tab.ID)
	require.NoError(t, err)
}

func TestConflictingStartLeavesWinnerUntouched(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Winner", "prof-1")

	started, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)

	_, err = h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// The rejected start must not fail the tab, close the run record or
	// deregister the live processes.
	current, err := h.eng.GetTab(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusRunning, current.Status)
	require.Equal(t, started.Run.ID, current.Run.ID)
	require.False(t, current.Run.Finished())

	stopped, err := h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.True(t, stopped.Run.Finished())
	require.Equal(t, started.Run.ID, stopped.Run.ID)
}

func TestConcurrentStartsAdmitExactlyOne(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Contested", "prof-1")

	const attempts = 8
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var started, conflicts int
	for err := range errs {
		if err == nil {
			started++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyRunning)
		conflicts++
	}
	require.Equal(t, 1, started)
	require.Equal(t, attempts-1, conflicts)

	current, err := h.eng.GetTab(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusRunning, current.Status)
	require.NotEmpty(t, current.Run.ID)
	require.False(t, current.Run.Finished())

	stopped, err := h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.True(t, stopped.Run.Finished())
}

func TestStopTestFinalizesRun(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Stoppable", "prof-1")

	started, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)

	stopped, err := h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusCompleted, stopped.Status)
	require.True(t, stopped.Run.Finished())
	require.Equal(t, started.Run.ID, stopped.Run.ID)

	// Journal holds a start row and a stop row.
	data, err := os.ReadFile(h.journal)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), `"event":"start"`))
	require.Equal(t, 1, strings.Count(string(data), `"event":"stop"`))
}

func TestStopTestIdempotent(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Idle", "prof-1")

	// Stopping an idle tab is a no-op returning the current snapshot.
	snapshot, err := h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusIdle, snapshot.Status)

	_, err = h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)
	_, err = h.eng.StopTest(tab.ID)
	require.NoError(t, err)

	again, err := h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.True(t, again.Run.Finished())

	_, err = h.eng.StopTest("ghost")
	require.ErrorIs(t, err, ErrTabNotFound)
}

func TestStopRacingNaturalExitFinalizesOnce(t *testing.T) {
	h := newHarness(t, "exit 0")

	// Stop immediately after start so the explicit stop and the natural
	// exit race each other; repeat to hit both orderings.
	const rounds = 10
	for i := 0; i < rounds; i++ {
		tab := h.eng.CreateTab(fmt.Sprintf("Race %d", i), "prof-1")
		_, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
		require.NoError(t, err)

		_, err = h.eng.StopTest(tab.ID)
		require.NoError(t, err)

		final := h.waitForStatus(t, tab.ID, models.TabStatusCompleted)
		require.True(t, final.Run.Finished())
	}

	// However each race resolved, every run has exactly one start row
	// and one stop row.
	data, err := os.ReadFile(h.journal)
	require.NoError(t, err)
	require.Equal(t, rounds, strings.Count(string(data), `"event":"start"`))
	require.Equal(t, rounds, strings.Count(string(data), `"event":"stop"`))
}

func TestStopAfterFinalizedRunPublishesNoSpuriousUpdate(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Settled", "prof-1")

	started, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)

	// Finalize the run record directly, as the exit path would when it
	// wins the race against the stop below.
	_, mutated := h.store.Mutate(tab.ID, func(tb *models.Tab) bool {
		tb.Run.FinishedUTC = models.UTCNow()
		tb.Run.ExitCodes = []*int{intPtr(0)}
		tb.Status = models.TabStatusCompleted
		return true
	})
	require.True(t, mutated)

	sub := h.eng.Subscribe()
	defer h.eng.Unsubscribe(sub)

	stopped, err := h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.Equal(t, started.Run.ID, stopped.Run.ID)

	// Every tab update seen by the subscriber must be the mirror of a
	// log line; the already finalized run gets no second terminal
	// update.
	time.Sleep(200 * time.Millisecond)
	var logEntries, tabUpdates int
	draining := true
	for draining {
		select {
		case evt := <-sub.Events():
			switch evt.Type {
			case models.EventTypeLogEntry:
				logEntries++
			case models.EventTypeTabUpdated:
				tabUpdates++
			}
		default:
			draining = false
		}
	}
	require.Positive(t, logEntries)
	require.Equal(t, logEntries, tabUpdates)
}

func TestStartTestValidationErrorMarksFailed(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Invalid", "prof-1")

	profile := profileWith("eth0")
	profile.Settings.SnapLength = -1
	_, err := h.eng.StartTest(tab.ID, profile)
	var cfgErr *capture.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	final, err := h.eng.GetTab(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusFailed, final.Status)
	require.NotNil(t, final.Run)
	require.True(t, final.Run.Finished())
	require.NotEmpty(t, final.Run.Error)

	// A failed start leaves the tab startable again.
	_, err = h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)
	_, err = h.eng.StopTest(tab.ID)
	require.NoError(t, err)
}

func TestSpawnFailureRollsBackAllProcesses(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("NoBinary", "prof-1")

	// Rebuild the engine around an executor pointing at a missing
	// binary, sharing the same store.
	profile := profileWith("eth0", "eth1")
	captureDir := t.TempDir()
	j, err := journal.New(captureDir)
	require.NoError(t, err)
	exec, err := capture.NewExecutor(captureDir, filepath.Join(captureDir, "missing"), j)
	require.NoError(t, err)
	eng := New(h.store, exec, events.NewBroker())

	_, err = eng.StartTest(tab.ID, profile)
	require.Error(t, err)

	final, err := eng.GetTab(tab.ID)
	require.NoError(t, err)
	require.Equal(t, models.TabStatusFailed, final.Status)
}

func TestDeleteRunningTabRejected(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Running", "prof-1")

	_, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)

	err = h.eng.DeleteTab(tab.ID)
	require.ErrorIs(t, err, ErrTabRunning)

	_, err = h.eng.StopTest(tab.ID)
	require.NoError(t, err)
	require.NoError(t, h.eng.DeleteTab(tab.ID))
}

func TestDurationAutoStop(t *testing.T) {
	h := newHarness(t, trapTermScript)
	tab := h.eng.CreateTab("Timed", "prof-1")

	profile := profileWith("eth0")
	profile.Settings.StopCondition = "duration"
	profile.Settings.StopDurationValue = 1

	_, err := h.eng.StartTest(tab.ID, profile)
	require.NoError(t, err)

	final := h.waitForStatus(t, tab.ID, models.TabStatusCompleted)
	require.True(t, final.Run.Finished())

	logs, _, err := h.eng.Logs(tab.ID, -1)
	require.NoError(t, err)
	var timerLogged bool
	for _, entry := range logs {
		if strings.Contains(entry.Message, "duration timer elapsed") {
			timerLogged = true
		}
	}
	require.True(t, timerLogged)
}

func TestLogSequencesAreGaplessAcrossRun(t *testing.T) {
	h := newHarness(t, `for i in 1 2 3 4 5; do echo "line $i"; done; exit 0`)
	tab := h.eng.CreateTab("Seq", "prof-1")

	_, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)
	h.waitForStatus(t, tab.ID, models.TabStatusCompleted)

	logs, seq, err := h.eng.Logs(tab.ID, -1)
	require.NoError(t, err)
	require.Equal(t, int64(len(logs)), seq)
	for i, entry := range logs {
		require.Equal(t, int64(i+1), entry.Seq, "sequence numbers must be gapless")
	}
	require.GreaterOrEqual(t, len(logs), 5)
}

func TestRunEventsReachSubscribers(t *testing.T) {
	h := newHarness(t, "exit 0")
	tab := h.eng.CreateTab("Evented", "prof-1")

	sub := h.eng.Subscribe()
	defer h.eng.Unsubscribe(sub)

	_, err := h.eng.StartTest(tab.ID, profileWith("eth0"))
	require.NoError(t, err)
	h.waitForStatus(t, tab.ID, models.TabStatusCompleted)

	types := map[models.EventType]bool{}
	deadline := time.After(5 * time.Second)
	for !(types[models.EventTypeTabUpdated] && types[models.EventTypeLogEntry]) {
		select {
		case evt := <-sub.Events():
			types[evt.Type] = true
		case <-deadline:
			t.Fatalf("missing event types, saw %v", types)
		}
	}
}

func TestAbortAllOnShutdown(t *testing.T) {
	h := newHarness(t, trapTermScript)

	var tabIDs []string
	for i := 0; i < 2; i++ {
		tab := h.eng.CreateTab(fmt.Sprintf("Shutdown %d", i), "prof-1")
		_, err := h.eng.StartTest(tab.ID, profileWith(fmt.Sprintf("eth%d", i)))
		require.NoError(t, err)
		tabIDs = append(tabIDs, tab.ID)
	}

	h.eng.AbortAll()

	// Every aborted run has paired start/stop journal rows.
	data, err := os.ReadFile(h.journal)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), `"event":"start"`))
	require.Equal(t, 2, strings.Count(string(data), `"event":"stop"`))

	sub := h.eng.Subscribe()
	h.eng.Shutdown()
	evt := <-sub.Events()
	require.Equal(t, models.EventTypeServerShutdown, evt.Type)

	_ = tabIDs
}
