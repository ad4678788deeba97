// Package events provides the coordinator's append-only audit log. Every
// state-changing operation writes one row naming its type, source actor, and
// affected entity; the log is the operational record read by the status
// command and the health monitor's diagnostics.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// Log writes and reads the events table.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Log backed by the given database.
func New(db *sql.DB) *Log {
	return &Log{db: db, now: time.Now}
}

// Append records one event. Failures are returned but callers generally
// treat the log as best-effort and keep going.
func (l *Log) Append(ctx context.Context, workspaceID, eventType, source, entityID string, payload any) error {
	encoded := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		encoded = string(b)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (workspace_id, type, source, entity_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		workspaceID, eventType, source, entityID, encoded, protocol.FormatTime(l.now()))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// QueryOpts restricts Query results. Zero values match everything.
type QueryOpts struct {
	Type     string
	Source   string
	EntityID string
	After    *time.Time // inclusive
	Limit    int        // 0 = no limit
}

// Query returns events in the workspace matching the filter, oldest first.
func (l *Log) Query(ctx context.Context, workspaceID string, opts QueryOpts) ([]protocol.Event, error) {
	query := `SELECT id, workspace_id, type, source, entity_id, payload, created_at FROM events WHERE workspace_id=?`
	args := []any{workspaceID}
	if opts.Type != "" {
		query += ` AND type=?`
		args = append(args, opts.Type)
	}
	if opts.Source != "" {
		query += ` AND source=?`
		args = append(args, opts.Source)
	}
	if opts.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, opts.EntityID)
	}
	if opts.After != nil {
		query += ` AND created_at>=?`
		args = append(args, protocol.FormatTime(*opts.After))
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var evs []protocol.Event
	for rows.Next() {
		var ev protocol.Event
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &ev.Type, &ev.Source, &ev.EntityID, &ev.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if ev.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse event created_at: %w", err)
		}
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return evs, nil
}
