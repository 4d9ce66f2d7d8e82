// Package capture runs and supervises the external capture processes
// that back a test run: one process per interface, tracked together as
// one logical run.
package capture

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/netlabtools/capagent/internal/bpf"
	"github.com/netlabtools/capagent/internal/models"
)

// Capture defaults, applied when a profile leaves a knob unset or the
// configured value fails validation.
const (
	DefaultInterface    = "eth0"
	DefaultRingSizeMB   = 100
	DefaultRingCount    = 10
	DefaultHeaderSnap   = 96
	DefaultBufferSizeKB = 2
)

// ConfigError reports invalid profile settings detected before any
// process is spawned.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid capture configuration: " + e.Reason
}

// Command is the fully resolved argv for one interface.
type Command struct {
	Interface    string
	FilenameBase string
	Argv         []string
	Display      string
}

// Plan is the validated execution context for one run, derived from a
// profile. Building a plan never spawns anything; soft problems are
// collected as warnings, hard problems return a ConfigError.
type Plan struct {
	Interfaces    []string
	RingFileSize  int
	RingFileCount int
	SnapLength    int
	Filter        string
	Warnings      []string
	Commands      []Command
	TestMetadata  bool
	FilterValid   bool
}

// BuildPlan resolves interfaces, ring-buffer parameters, snapshot
// length and the filter expression from a profile and constructs the
// per-interface capture commands.
func BuildPlan(captureDir, bin string, profile models.Profile) (*Plan, error) {
	s := &profile.Settings

	if s.SnapLength < 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("snapshot length must not be negative (got %d)", s.SnapLength)}
	}
	if s.StopPacketCount < 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("packet count limit must not be negative (got %d)", s.StopPacketCount)}
	}
	if s.StopCondition == "duration" && s.StopDurationValue < 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("stop duration must not be negative (got %d)", s.StopDurationValue)}
	}

	var warnings []string

	interfaces := selectInterfaces(s, &warnings)
	ringSize := ringFileSizeMB(s, &warnings)
	ringCount := positiveInt(s.RingFileCount, DefaultRingCount, 1, "ring file count", &warnings)
	snapLen := snapLength(s, &warnings)

	filter := bpf.Build(s)
	filterValid := true
	if filter != "" && !bpf.LooksValid(filter) {
		filterValid = false
		warnings = append(warnings, fmt.Sprintf("filter expression may be invalid: %q", filter))
	}

	profileName := strings.TrimSpace(profile.Name)
	prefix := s.FilenamePrefix
	if prefix == "" {
		if profileName == "" {
			profileName = "capture"
		}
		prefix = models.Slugify(profileName)
	}
	timestamp := models.UTCNow()

	commands := make([]Command, 0, len(interfaces))
	for _, iface := range interfaces {
		base := filepath.Join(captureDir, fmt.Sprintf("%s_%s_%s.pcap", prefix, iface, timestamp))
		argv := buildArgv(bin, iface, s, base, snapLen, ringSize, ringCount, filter)
		commands = append(commands, Command{
			Interface:    iface,
			FilenameBase: base,
			Argv:         argv,
			Display:      strings.Join(argv, " "),
		})
	}

	return &Plan{
		Interfaces:    interfaces,
		RingFileSize:  ringSize,
		RingFileCount: ringCount,
		SnapLength:    snapLen,
		Filter:        filter,
		Warnings:      warnings,
		Commands:      commands,
		TestMetadata:  s.GenerateTestMetadataFile,
		FilterValid:   filterValid,
	}, nil
}

// buildArgv constructs the capture command for one interface. Flag
// order is fixed; the filter tokens must trail every flag.
func buildArgv(bin, iface string, s *models.CaptureSettings, base string, snapLen, ringSize, ringCount int, filter string) []string {
	argv := []string{bin, "-i", iface, "-nn"}

	if s.PrintLinkLevelHeader {
		argv = append(argv, "-e")
	}

	if snapLen > 0 {
		argv = append(argv, "-s", strconv.Itoa(snapLen))
	} else {
		argv = append(argv, "-s", "0")
	}

	if s.BufferSizeKB > 0 && s.BufferSizeKB != DefaultBufferSizeKB {
		argv = append(argv, "-B", strconv.Itoa(s.BufferSizeKB*1024))
	}

	if s.TimestampPrecision == "nano" {
		argv = append(argv, "--time-stamp-precision=nano")
	}

	if s.ImmediateMode {
		argv = append(argv, "--immediate-mode")
	}

	if !s.Promiscuous() {
		argv = append(argv, "-p")
	}

	if s.FilterDirection != "" {
		argv = append(argv, "-Q", s.FilterDirection)
	}

	argv = append(argv, "-w", base, "-C", strconv.Itoa(ringSize), "-W", strconv.Itoa(ringCount))

	if s.StopPacketCount > 0 {
		argv = append(argv, "-c", strconv.Itoa(s.StopPacketCount))
	}

	if filter != "" {
		argv = append(argv, strings.Fields(filter)...)
	}

	return argv
}

// selectInterfaces resolves the interface list with the fallback chain
// interfaces → interface → default, validating every name and warning
// per invalid or fallback value.
func selectInterfaces(s *models.CaptureSettings, warnings *[]string) []string {
	if len(s.Interfaces) > 0 {
		var selected []string
		for _, raw := range s.Interfaces {
			iface := strings.TrimSpace(raw)
			if iface == "" {
				continue
			}
			if bpf.ValidInterfaceName(iface) {
				selected = append(selected, iface)
			} else {
				*warnings = append(*warnings, fmt.Sprintf("ignoring invalid interface name %q", iface))
			}
		}
		if len(selected) > 0 {
			return selected
		}
	}

	if iface := strings.TrimSpace(s.Interface); iface != "" {
		if bpf.ValidInterfaceName(iface) {
			return []string{iface}
		}
		*warnings = append(*warnings, fmt.Sprintf("invalid interface name %q, using %s", iface, DefaultInterface))
		return []string{DefaultInterface}
	}

	*warnings = append(*warnings, fmt.Sprintf("no interface configured, using %s", DefaultInterface))
	return []string{DefaultInterface}
}

// unit multipliers to megabytes
var sizeUnitMultipliers = map[string]float64{
	"bytes":     1.0 / (1024 * 1024),
	"kilobytes": 1.0 / 1024,
	"megabytes": 1,
	"gigabytes": 1024,
}

// ringFileSizeMB resolves the ring file size in MB from value+unit,
// falling back to the legacy MB field, with a floor of 1 MB.
func ringFileSizeMB(s *models.CaptureSettings, warnings *[]string) int {
	if s.RingFileSizeValue != 0 {
		value := s.RingFileSizeValue
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			*warnings = append(*warnings, fmt.Sprintf("ring file size must be positive, using %d MB", DefaultRingSizeMB))
			return DefaultRingSizeMB
		}
		multiplier, ok := sizeUnitMultipliers[s.RingFileSizeUnit]
		if !ok {
			multiplier = 1
		}
		mb := int(math.Round(value * multiplier))
		if mb < 1 {
			mb = 1
		}
		return mb
	}

	if s.RingFileSizeMB != 0 {
		return positiveInt(s.RingFileSizeMB, DefaultRingSizeMB, 1, "ring file size", warnings)
	}

	return DefaultRingSizeMB
}

// snapLength resolves the packet snapshot length: headerOnly overrides
// an explicit snapLength; zero means full packets.
func snapLength(s *models.CaptureSettings, warnings *[]string) int {
	if s.HeaderOnly {
		return positiveInt(s.HeaderSnaplen, DefaultHeaderSnap, 64, "header snaplen", warnings)
	}
	if s.SnapLength > 0 {
		return s.SnapLength
	}
	return 0
}

func positiveInt(value, fallback, minimum int, field string, warnings *[]string) int {
	if value == 0 {
		return fallback
	}
	if value < minimum {
		*warnings = append(*warnings, fmt.Sprintf("%s too small (%d), using %d", field, value, fallback))
		return fallback
	}
	return value
}
