package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/planset/idgen"
)

// Event is one pipeline lifecycle fact: a job created, a batch failed, a
// merge finalized, an ingestion timed out.
type Event struct {
	Type       string // e.g. "job.created", "batch.failed"
	EntityType string // job | batch | plan
	EntityID   string
	ParentID   string         // job id for batch events
	Details    map[string]any // stored as JSON
	Success    bool
	At         time.Time
}

// EventLogger writes pipeline events.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records ev. Failures are logged and swallowed: losing an event must
// not fail the job that produced it. A nil logger is a no-op.
func (l *EventLogger) Log(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	var details sql.NullString
	if len(ev.Details) > 0 {
		if b, err := json.Marshal(ev.Details); err == nil {
			details = sql.NullString{String: string(b), Valid: true}
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pipeline_events (
			event_id, event_type, entity_type, entity_id, parent_id, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		l.newID(), ev.Type, ev.EntityType, ev.EntityID, ev.ParentID, details, ev.Success, ev.At.UnixMilli())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", ev.Type)
	}
}

// History returns the events recorded for entityID or whose parent is
// entityID, oldest first.
func (l *EventLogger) History(ctx context.Context, entityID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, entity_type, entity_id, COALESCE(parent_id, ''), details, success, created_at
		FROM pipeline_events
		WHERE entity_id = ? OR parent_id = ?
		ORDER BY created_at ASC, event_id ASC`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var details sql.NullString
		var at int64
		if err := rows.Scan(&ev.Type, &ev.EntityType, &ev.EntityID, &ev.ParentID, &details, &ev.Success, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &ev.Details)
		}
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retentionDays.
func (l *EventLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM pipeline_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	return res.RowsAffected()
}
