package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netlabtools/capagent/internal/models"
)

func planFor(t *testing.T, settings models.CaptureSettings) *Plan {
	t.Helper()
	plan, err := BuildPlan(t.TempDir(), "tcpdump", models.Profile{
		ID:       "prof-1",
		Name:     "Latency Test",
		Settings: settings,
	})
	require.NoError(t, err)
	return plan
}

func TestBuildPlanDefaults(t *testing.T) {
	plan := planFor(t, models.CaptureSettings{})

	require.Equal(t, []string{"eth0"}, plan.Interfaces)
	require.Equal(t, DefaultRingSizeMB, plan.RingFileSize)
	require.Equal(t, DefaultRingCount, plan.RingFileCount)
	require.Equal(t, 0, plan.SnapLength)
	require.Empty(t, plan.Filter)
	require.Len(t, plan.Commands, 1)
	require.NotEmpty(t, plan.Warnings) // no interface configured

	argv := plan.Commands[0].Argv
	require.Equal(t, []string{"tcpdump", "-i", "eth0", "-nn", "-s", "0"}, argv[:6])
	require.Contains(t, argv, "-C")
	require.Contains(t, argv, "-W")
}

func TestBuildPlanArgvOrder(t *testing.T) {
	count := 5
	plan := planFor(t, models.CaptureSettings{
		Interfaces:           []string{"eth1"},
		PrintLinkLevelHeader: true,
		HeaderOnly:           true,
		BufferSizeKB:         8,
		TimestampPrecision:   "nano",
		ImmediateMode:        true,
		PromiscuousMode:      boolPtr(false),
		FilterDirection:      "in",
		StopPacketCount:      count,
		FilterPorts:          "319",
	})

	display := plan.Commands[0].Display
	require.True(t, strings.HasPrefix(display, "tcpdump -i eth1 -nn -e -s 96 -B 8192 --time-stamp-precision=nano --immediate-mode -p -Q in -w "))
	require.Contains(t, display, " -C 100 -W 10 -c 5 port 319")
	require.True(t, strings.HasSuffix(display, "port 319"), "filter tokens must trail every flag")
}

func TestBuildPlanInterfaceFallbacks(t *testing.T) {
	// interfaces list wins and invalid entries are dropped with warnings.
	plan := planFor(t, models.CaptureSettings{
		Interfaces: []string{"eth0", "bad name!", "eth1"},
	})
	require.Equal(t, []string{"eth0", "eth1"}, plan.Interfaces)
	require.Len(t, plan.Warnings, 1)

	// An all-invalid list falls through to the singular field.
	plan = planFor(t, models.CaptureSettings{
		Interfaces: []string{"bad name!"},
		Interface:  "eth2",
	})
	require.Equal(t, []string{"eth2"}, plan.Interfaces)

	// An invalid singular falls back to the default.
	plan = planFor(t, models.CaptureSettings{Interface: "no/slash"})
	require.Equal(t, []string{DefaultInterface}, plan.Interfaces)
}

func TestBuildPlanRingFileSize(t *testing.T) {
	plan := planFor(t, models.CaptureSettings{RingFileSizeValue: 2, RingFileSizeUnit: "gigabytes"})
	require.Equal(t, 2048, plan.RingFileSize)

	plan = planFor(t, models.CaptureSettings{RingFileSizeValue: 512, RingFileSizeUnit: "kilobytes"})
	require.Equal(t, 1, plan.RingFileSize) // floored to 1 MB

	plan = planFor(t, models.CaptureSettings{RingFileSizeValue: -5})
	require.Equal(t, DefaultRingSizeMB, plan.RingFileSize)
	require.NotEmpty(t, plan.Warnings)

	// Legacy MB field applies when value+unit is absent.
	plan = planFor(t, models.CaptureSettings{RingFileSizeMB: 250})
	require.Equal(t, 250, plan.RingFileSize)
}

func TestBuildPlanSnapLength(t *testing.T) {
	plan := planFor(t, models.CaptureSettings{HeaderOnly: true})
	require.Equal(t, DefaultHeaderSnap, plan.SnapLength)

	plan = planFor(t, models.CaptureSettings{HeaderOnly: true, HeaderSnaplen: 128})
	require.Equal(t, 128, plan.SnapLength)

	// headerOnly overrides an explicit snap length.
	plan = planFor(t, models.CaptureSettings{HeaderOnly: true, SnapLength: 1500})
	require.Equal(t, DefaultHeaderSnap, plan.SnapLength)

	plan = planFor(t, models.CaptureSettings{SnapLength: 1500})
	require.Equal(t, 1500, plan.SnapLength)
}

func TestBuildPlanConfigErrors(t *testing.T) {
	_, err := BuildPlan(t.TempDir(), "tcpdump", models.Profile{
		Settings: models.CaptureSettings{SnapLength: -1},
	})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = BuildPlan(t.TempDir(), "tcpdump", models.Profile{
		Settings: models.CaptureSettings{StopPacketCount: -3},
	})
	require.ErrorAs(t, err, &cfgErr)

	_, err = BuildPlan(t.TempDir(), "tcpdump", models.Profile{
		Settings: models.CaptureSettings{StopCondition: "duration", StopDurationValue: -1},
	})
	require.ErrorAs(t, err, &cfgErr)
}

func TestBuildPlanFilenameBase(t *testing.T) {
	plan := planFor(t, models.CaptureSettings{Interfaces: []string{"eth0", "eth1"}})
	require.Len(t, plan.Commands, 2)
	for i, cmd := range plan.Commands {
		base := cmd.FilenameBase
		require.Contains(t, base, "latency_test_"+plan.Interfaces[i]+"_")
		require.True(t, strings.HasSuffix(base, ".pcap"))
	}

	plan = planFor(t, models.CaptureSettings{FilenamePrefix: "custom"})
	require.Contains(t, plan.Commands[0].FilenameBase, "custom_eth0_")
}

func TestBuildPlanInvalidFilterWarnsOnly(t *testing.T) {
	plan := planFor(t, models.CaptureSettings{BPFFilter: "(((("})
	require.False(t, plan.FilterValid)
	require.NotEmpty(t, plan.Warnings)
	require.Len(t, plan.Commands, 1)
}

func boolPtr(b bool) *bool { return &b }
