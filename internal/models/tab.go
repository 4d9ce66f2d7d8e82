// Package models defines the core domain types for capagent.
package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the compact UTC layout used for all persisted
// timestamps and journal rows (YYYYMMDDTHHMMSSZ).
const TimestampLayout = "20060102T150405Z"

// UTCNow returns the current UTC time in TimestampLayout.
func UTCNow() string {
	return time.Now().UTC().Format(TimestampLayout)
}

var slugCleanRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts a string to a lowercase alphanumeric slug with
// underscores, falling back to "capture" for empty input.
func Slugify(value string) string {
	slug := slugCleanRe.ReplaceAllString(strings.ToLower(value), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return "capture"
	}
	return slug
}

// TabStatus represents the lifecycle state of a tab.
type TabStatus string

const (
	TabStatusIdle      TabStatus = "idle"
	TabStatusStarting  TabStatus = "starting"
	TabStatusRunning   TabStatus = "running"
	TabStatusCompleted TabStatus = "completed"
	TabStatusFailed    TabStatus = "failed"

	// TabStatusCancelled is reserved for explicit user cancellation.
	// No code path assigns it; stop requests resolve to completed or
	// failed via exit codes.
	TabStatusCancelled TabStatus = "cancelled"
)

// Active reports whether the status denotes an in-flight run.
func (s TabStatus) Active() bool {
	return s == TabStatusStarting || s == TabStatusRunning
}

// LogEntry is a single tab log line with a strictly increasing
// per-tab sequence number.
type LogEntry struct {
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	TabID     string `json:"tabId"`
	Interface string `json:"interface,omitempty"`
}

// Run describes one concrete execution of a tab's test, possibly
// spanning multiple capture interfaces.
type Run struct {
	ID            string   `json:"id"`
	ProfileID     string   `json:"profileId,omitempty"`
	StartedUTC    string   `json:"startedUtc"`
	FinishedUTC   string   `json:"finishedUtc,omitempty"`
	ExitCodes     []*int   `json:"exitCodes,omitempty"`
	Error         string   `json:"error,omitempty"`
	Commands      []string `json:"commands,omitempty"`
	FilenameBases []string `json:"filenameBases,omitempty"`
	CaptureIDs    []string `json:"captureIds,omitempty"`
	MainCaptureID string   `json:"mainCaptureId,omitempty"`
	PIDs          []int    `json:"pids,omitempty"`
	Interfaces    []string `json:"interfaces,omitempty"`
	RingFileSize  int      `json:"ringFileSizeMb,omitempty"`
	RingFileCount int      `json:"ringFileCount,omitempty"`
	BPFFilter     string   `json:"bpfFilter,omitempty"`
}

// Finished reports whether the run has been closed.
func (r *Run) Finished() bool {
	return r != nil && r.FinishedUTC != ""
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.ExitCodes != nil {
		out.ExitCodes = make([]*int, len(r.ExitCodes))
		for i, c := range r.ExitCodes {
			if c != nil {
				v := *c
				out.ExitCodes[i] = &v
			}
		}
	}
	out.Commands = append([]string(nil), r.Commands...)
	out.FilenameBases = append([]string(nil), r.FilenameBases...)
	out.CaptureIDs = append([]string(nil), r.CaptureIDs...)
	out.PIDs = append([]int(nil), r.PIDs...)
	out.Interfaces = append([]string(nil), r.Interfaces...)
	return &out
}

// Tab is a user-facing logical slot for one repeatable test session.
type Tab struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	ProfileID   string     `json:"profileId,omitempty"`
	Status      TabStatus  `json:"status"`
	CreatedUTC  string     `json:"createdUtc"`
	UpdatedUTC  string     `json:"updatedUtc"`
	Run         *Run       `json:"run,omitempty"`
	Logs        []LogEntry `json:"logs"`
	LogSeq      int64      `json:"logSeq"`
	LastMessage string     `json:"lastMessage,omitempty"`
}

// Clone returns a deep copy of the tab, safe to hand to callers and
// event subscribers.
func (t *Tab) Clone() *Tab {
	if t == nil {
		return nil
	}
	out := *t
	out.Run = t.Run.Clone()
	out.Logs = append([]LogEntry(nil), t.Logs...)
	return &out
}

// FormatExitCodes renders exit codes for display, using an em dash for
// processes that have not reported a code.
func FormatExitCodes(codes []*int) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		if c == nil {
			parts[i] = "—"
		} else {
			parts[i] = strconv.Itoa(*c)
		}
	}
	return strings.Join(parts, ", ")
}
