package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netlabtools/capagent/internal/models"
)

// EventRepository persists broadcast events into the event history
// table. Delivery to subscribers never depends on it; the broker
// treats failures as best-effort.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// StoredEvent is one row of the event history.
type StoredEvent struct {
	ID        string
	Timestamp time.Time
	Type      models.EventType
	TabID     string
	Payload   json.RawMessage
}

// EventQuery defines filters for querying the event history.
type EventQuery struct {
	Type  *models.EventType
	TabID *string
	Since *time.Time
	Limit int
}

// Append inserts one event row.
func (r *EventRepository) Append(ctx context.Context, event models.Event) error {
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	tabID := event.TabID
	if tabID == "" && event.Tab != nil {
		tabID = event.Tab.ID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, type, tab_id, payload_json)
		VALUES (?, ?, ?, ?, ?)
	`,
		uuid.NewString(),
		time.Now().UTC().Format(time.RFC3339Nano),
		string(event.Type),
		tabID,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Query retrieves event history rows matching the filters, newest
// first.
func (r *EventRepository) Query(ctx context.Context, q EventQuery) ([]StoredEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, type, tab_id, payload_json FROM events WHERE 1=1`
	args := []any{}

	if q.Type != nil {
		query += ` AND type = ?`
		args = append(args, string(*q.Type))
	}
	if q.TabID != nil {
		query += ` AND tab_id = ?`
		args = append(args, *q.TabID)
	}
	if q.Since != nil {
		query += ` AND timestamp >= ?`
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			evt     StoredEvent
			ts      string
			typ     string
			tabID   *string
			payload *string
		)
		if err := rows.Scan(&evt.ID, &ts, &typ, &tabID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			evt.Timestamp = parsed
		}
		evt.Type = models.EventType(typ)
		if tabID != nil {
			evt.TabID = *tabID
		}
		if payload != nil {
			evt.Payload = json.RawMessage(*payload)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
