// Package tabs provides durable CRUD over test tabs. The store is the
// sole source of truth for externally visible tab state: every
// mutation persists a full snapshot inside the same critical section
// used for reads.
package tabs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netlabtools/capagent/internal/logging"
	"github.com/netlabtools/capagent/internal/models"
)

// Store errors.
var (
	ErrTabNotFound = errors.New("tab not found")
	ErrTabRunning  = errors.New("test still running for tab")
)

// DefaultMaxLogEntries caps the per-tab log buffer.
const DefaultMaxLogEntries = 500

const stateFileName = "tabs.json"

const defaultTitle = "New Test"

// Store holds all tabs behind one mutex and snapshots them to a JSON
// state file on every mutation.
type Store struct {
	path          string
	maxLogEntries int
	logger        zerolog.Logger

	mu   sync.Mutex
	tabs map[string]*models.Tab
}

type stateFile struct {
	Tabs []*models.Tab `json:"tabs"`
}

// NewStore loads (or initializes) the tab state under runtimeDir. Tabs
// recovered in starting or running state are forced back to idle with
// their run cleared; no capture process survives a restart.
func NewStore(runtimeDir string, maxLogEntries int) (*Store, error) {
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}
	if maxLogEntries <= 0 {
		maxLogEntries = DefaultMaxLogEntries
	}

	s := &Store{
		path:          filepath.Join(runtimeDir, stateFileName),
		maxLogEntries: maxLogEntries,
		logger:        logging.Component("tabs"),
		tabs:          make(map[string]*models.Tab),
	}
	s.load()
	return s, nil
}

// load reads the state file, tolerating absence and corruption: a bad
// file or a bad tab is logged and skipped, never fatal.
func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("could not read state file")
		}
		return
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn().Err(err).Msg("state file is corrupted")
		return
	}

	for _, tab := range state.Tabs {
		if tab == nil || strings.TrimSpace(tab.ID) == "" {
			continue
		}
		if tab.Status.Active() {
			tab.Status = models.TabStatusIdle
			tab.Run = nil
		}
		if len(tab.Logs) > s.maxLogEntries {
			tab.Logs = tab.Logs[len(tab.Logs)-s.maxLogEntries:]
		}
		s.tabs[tab.ID] = tab
	}
}

// persistLocked snapshots all tabs atomically (tmp file + rename).
// Callers must hold s.mu.
func (s *Store) persistLocked() {
	tabsOut := make([]*models.Tab, 0, len(s.tabs))
	for _, tab := range s.tabs {
		tabsOut = append(tabsOut, tab)
	}
	data, err := json.MarshalIndent(stateFile{Tabs: tabsOut}, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Msg("state marshal failed")
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Error().Err(err).Msg("state write failed")
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Error().Err(err).Msg("state rename failed")
	}
}

// List returns snapshots of all tabs.
func (s *Store) List() []*models.Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Tab, 0, len(s.tabs))
	for _, tab := range s.tabs {
		out = append(out, tab.Clone())
	}
	return out
}

// Get returns a snapshot of one tab.
func (s *Store) Get(tabID string) (*models.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	return tab.Clone(), nil
}

// Create adds a new idle tab.
func (s *Store) Create(title, profileID string) *models.Tab {
	now := models.UTCNow()
	tab := &models.Tab{
		ID:         uuid.NewString(),
		Title:      orDefault(title),
		ProfileID:  profileID,
		Status:     models.TabStatusIdle,
		CreatedUTC: now,
		UpdatedUTC: now,
		Logs:       []models.LogEntry{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tabs[tab.ID] = tab
	s.persistLocked()
	return tab.Clone()
}

// Update changes title and/or profile reference. Nil means unchanged.
func (s *Store) Update(tabID string, title, profileID *string) (*models.Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	if title != nil {
		tab.Title = orDefault(*title)
	}
	if profileID != nil {
		tab.ProfileID = *profileID
	}
	tab.UpdatedUTC = models.UTCNow()
	s.persistLocked()
	return tab.Clone(), nil
}

// Delete removes a tab. Tabs in the active set are rejected with
// ErrTabRunning; the caller passes the executor's running ids.
func (s *Store) Delete(tabID string, runningTabIDs map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := runningTabIDs[tabID]; running {
		return fmt.Errorf("%w: %s", ErrTabRunning, tabID)
	}
	if _, ok := s.tabs[tabID]; !ok {
		return fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	delete(s.tabs, tabID)
	s.persistLocked()
	return nil
}

// SetStatus updates status and optionally the run record, persists,
// and returns a snapshot (nil if the tab is gone).
func (s *Store) SetStatus(tabID string, status models.TabStatus, run *models.Run) *models.Tab {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil
	}
	tab.Status = status
	if run != nil {
		tab.Run = run
	}
	tab.UpdatedUTC = models.UTCNow()
	s.persistLocked()
	return tab.Clone()
}

// Mutate runs fn on the tab under the store lock. When fn returns true
// the change is persisted. Returns a snapshot and whether fn mutated.
// This is the atomic read-modify-write used by run finalization.
func (s *Store) Mutate(tabID string, fn func(tab *models.Tab) bool) (*models.Tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, false
	}
	mutated := fn(tab)
	if mutated {
		tab.UpdatedUTC = models.UTCNow()
		s.persistLocked()
	}
	return tab.Clone(), mutated
}

// AppendLog assigns the next sequence number, appends to the capped
// log buffer, updates the last-message cache and persists. Returns the
// entry and a tab snapshot, or nils if the tab is gone.
func (s *Store) AppendLog(tabID, message, iface string) (*models.LogEntry, *models.Tab) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, nil
	}
	tab.LogSeq++
	entry := models.LogEntry{
		Seq:       tab.LogSeq,
		Timestamp: models.UTCNow(),
		Message:   message,
		TabID:     tabID,
		Interface: iface,
	}
	tab.Logs = append(tab.Logs, entry)
	if len(tab.Logs) > s.maxLogEntries {
		tab.Logs = tab.Logs[len(tab.Logs)-s.maxLogEntries:]
	}
	tab.LastMessage = message
	tab.UpdatedUTC = models.UTCNow()
	s.persistLocked()
	return &entry, tab.Clone()
}

// Logs returns the tab's log entries, optionally only those after the
// given sequence number, plus the current high-water mark for
// incremental polling. after < 0 returns everything.
func (s *Store) Logs(tabID string, after int64) ([]models.LogEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	entries := make([]models.LogEntry, 0, len(tab.Logs))
	for _, entry := range tab.Logs {
		if after >= 0 && entry.Seq <= after {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, tab.LogSeq, nil
}

func orDefault(title string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return defaultTitle
}
