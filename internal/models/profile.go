package models

// Profile is a validated capture profile handed to the engine by the
// profile service. Profile storage and validation live outside this
// module; the engine only consumes the typed form.
type Profile struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Settings CaptureSettings `json:"settings"`
}

// CaptureSettings is the typed settings payload of a profile. Optional
// booleans that default to true and numbers where zero is meaningful
// are pointers so an absent value is distinguishable.
type CaptureSettings struct {
	// Interface selection. Interfaces wins over Interface; both empty
	// falls back to the executor's default.
	Interfaces []string `json:"interfaces,omitempty"`
	Interface  string   `json:"interface,omitempty"`

	// Ring buffer sizing: value plus unit (bytes, kilobytes, megabytes,
	// gigabytes). RingFileSizeMB is the legacy single-field form.
	RingFileSizeValue float64 `json:"ringFileSizeValue,omitempty"`
	RingFileSizeUnit  string  `json:"ringFileSizeUnit,omitempty"`
	RingFileSizeMB    int     `json:"ringFileSizeMB,omitempty"`
	RingFileCount     int     `json:"ringFileCount,omitempty"`

	// Snapshot length. HeaderOnly overrides SnapLength; zero snaplen
	// captures full packets.
	HeaderOnly    bool `json:"headerOnly,omitempty"`
	HeaderSnaplen int  `json:"headerSnaplen,omitempty"`
	SnapLength    int  `json:"snapLength,omitempty"`

	BufferSizeKB         int    `json:"bufferSize,omitempty"`
	TimestampPrecision   string `json:"timestampPrecision,omitempty"`
	ImmediateMode        bool   `json:"immediateMode,omitempty"`
	PromiscuousMode      *bool  `json:"promiscuousMode,omitempty"`
	FilterDirection      string `json:"filterDirection,omitempty"`
	PrintLinkLevelHeader bool   `json:"printLinkLevelHeader,omitempty"`
	StopPacketCount      int    `json:"stopPacketCount,omitempty"`

	// Stop condition: "manual" (default) or "duration".
	StopCondition     string `json:"stopCondition,omitempty"`
	StopDurationValue int    `json:"stopDurationValue,omitempty"`
	StopDurationUnit  string `json:"stopDurationUnit,omitempty"`

	FilenamePrefix           string `json:"filenamePrefix,omitempty"`
	GenerateTestMetadataFile bool   `json:"generateTestMetadataFile,omitempty"`

	// Filter assembly inputs, consumed by the bpf package.
	FilterProtocols   []string `json:"filterProtocols,omitempty"`
	FilterHosts       string   `json:"filterHosts,omitempty"`
	FilterPorts       string   `json:"filterPorts,omitempty"`
	FilterVlanID      int      `json:"filterVlanId,omitempty"`
	CaptureTsnSync    bool     `json:"captureTsnSync,omitempty"`
	CapturePtp        bool     `json:"capturePtp,omitempty"`
	CaptureVlanTagged bool     `json:"captureVlanTagged,omitempty"`
	TsnPriorityFilter *int     `json:"tsnPriorityFilter,omitempty"`
	BPFFilter         string   `json:"bpfFilter,omitempty"`
}

// Promiscuous reports the effective promiscuous-mode setting; the
// capture binary runs promiscuous unless explicitly disabled.
func (s *CaptureSettings) Promiscuous() bool {
	return s.PromiscuousMode == nil || *s.PromiscuousMode
}

// DurationSeconds converts the configured stop duration to seconds.
// Unknown units are treated as seconds.
func (s *CaptureSettings) DurationSeconds() int {
	value := s.StopDurationValue
	if value <= 0 {
		value = 60
	}
	switch s.StopDurationUnit {
	case "minutes":
		return value * 60
	case "hours":
		return value * 3600
	default:
		return value
	}
}
