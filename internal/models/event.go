package models

// EventType categorizes broadcast events.
type EventType string

const (
	EventTypeTabCreated     EventType = "tab_created"
	EventTypeTabUpdated     EventType = "tab_updated"
	EventTypeTabDeleted     EventType = "tab_deleted"
	EventTypeLogEntry       EventType = "log_entry"
	EventTypeServerShutdown EventType = "server_shutdown"
)

// Event is the broadcast payload delivered to subscribers. Fields are
// populated per event type: Tab for tab_created/tab_updated, TabID for
// tab_deleted and log_entry, Entry for log_entry.
type Event struct {
	Type  EventType `json:"type"`
	Tab   *Tab      `json:"tab,omitempty"`
	TabID string    `json:"tabId,omitempty"`
	Entry *LogEntry `json:"entry,omitempty"`
}
