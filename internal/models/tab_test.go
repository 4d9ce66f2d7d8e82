package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlugify(t *testing.T) {
	require.Equal(t, "latency_test_1", Slugify("Latency Test #1"))
	require.Equal(t, "capture", Slugify(""))
	require.Equal(t, "capture", Slugify("!!!"))
	require.Equal(t, "abc", Slugify("  ABC  "))
}

func TestTabStatusActive(t *testing.T) {
	require.True(t, TabStatusStarting.Active())
	require.True(t, TabStatusRunning.Active())
	require.False(t, TabStatusIdle.Active())
	require.False(t, TabStatusCompleted.Active())
	require.False(t, TabStatusFailed.Active())
	require.False(t, TabStatusCancelled.Active())
}

func TestRunFinished(t *testing.T) {
	var r *Run
	require.False(t, r.Finished())
	require.False(t, (&Run{}).Finished())
	require.True(t, (&Run{FinishedUTC: "20260101T000000Z"}).Finished())
}

func TestTabCloneIsDeep(t *testing.T) {
	code := 0
	tab := &Tab{
		ID:     "t1",
		Status: TabStatusCompleted,
		Run: &Run{
			ID:        "r1",
			ExitCodes: []*int{&code},
			PIDs:      []int{100},
		},
		Logs: []LogEntry{{Seq: 1, Message: "one"}},
	}

	clone := tab.Clone()
	clone.Run.ID = "other"
	*clone.Run.ExitCodes[0] = 9
	clone.Logs[0].Message = "mutated"

	require.Equal(t, "r1", tab.Run.ID)
	require.Equal(t, 0, *tab.Run.ExitCodes[0])
	require.Equal(t, "one", tab.Logs[0].Message)
}

func TestFormatExitCodes(t *testing.T) {
	zero, one := 0, 1
	require.Equal(t, "0, 1", FormatExitCodes([]*int{&zero, &one}))
	require.Equal(t, "0, —", FormatExitCodes([]*int{&zero, nil}))
	require.Equal(t, "", FormatExitCodes(nil))
}
