// Package ledger implements the append-only progress ledger. Agents publish
// snapshots of what they finished, what comes next, and what they produced;
// the health monitor reads only the most recent entry per agent, while the
// full sequence stays queryable for audit.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// Store manages the progress table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store backed by the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AppendParams describes one progress snapshot.
type AppendParams struct {
	AgentID   string
	Status    string
	Completed []string
	Next      []string
	Artifacts []string
}

// Append records a snapshot for the agent. Entries are never updated or
// deleted; each call adds a new row.
func (s *Store) Append(ctx context.Context, workspaceID string, p AppendParams) (*protocol.ProgressEntry, error) {
	if p.AgentID == "" {
		return nil, errors.New("append progress: agent id required")
	}
	completed, err := marshalList(p.Completed)
	if err != nil {
		return nil, fmt.Errorf("append encode completed: %w", err)
	}
	next, err := marshalList(p.Next)
	if err != nil {
		return nil, fmt.Errorf("append encode next: %w", err)
	}
	artifacts, err := marshalList(p.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("append encode artifacts: %w", err)
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO progress (workspace_id, agent_id, status, completed, next_items, artifacts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workspaceID, p.AgentID, p.Status, completed, next, artifacts, protocol.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("append progress: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("append progress id: %w", err)
	}
	return &protocol.ProgressEntry{
		ID: id, WorkspaceID: workspaceID, AgentID: p.AgentID, Status: p.Status,
		Completed: p.Completed, Next: p.Next, Artifacts: p.Artifacts,
		CreatedAt: now.UTC(),
	}, nil
}

// Latest returns the agent's most recent entry, or NotFoundError when the
// agent has never reported.
func (s *Store) Latest(ctx context.Context, workspaceID, agentID string) (*protocol.ProgressEntry, error) {
	e, err := s.scanOne(s.db.QueryRowContext(ctx,
		selectProgress+` WHERE workspace_id=? AND agent_id=? ORDER BY id DESC LIMIT 1`,
		workspaceID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "progress", ID: agentID}
	}
	return e, err
}

// LatestAll returns the most recent entry for every agent that has reported
// in the workspace, keyed by agent id.
func (s *Store) LatestAll(ctx context.Context, workspaceID string) (map[string]protocol.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProgress+` WHERE id IN (
		    SELECT MAX(id) FROM progress WHERE workspace_id=? GROUP BY agent_id
		 )`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("latest progress: %w", err)
	}
	defer func() { _ = rows.Close() }()

	latest := make(map[string]protocol.ProgressEntry)
	for rows.Next() {
		e, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		latest[e.AgentID] = *e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest progress: %w", err)
	}
	return latest, nil
}

// History returns the agent's full entry sequence, oldest first.
func (s *Store) History(ctx context.Context, workspaceID, agentID string) ([]protocol.ProgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProgress+` WHERE workspace_id=? AND agent_id=? ORDER BY id`,
		workspaceID, agentID)
	if err != nil {
		return nil, fmt.Errorf("progress history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []protocol.ProgressEntry
	for rows.Next() {
		e, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return entries, nil
}

const selectProgress = `SELECT id, workspace_id, agent_id, status, completed, next_items, artifacts, created_at FROM progress`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row rowScanner) (*protocol.ProgressEntry, error) {
	var e protocol.ProgressEntry
	var completed, next, artifacts, createdAt string
	err := row.Scan(&e.ID, &e.WorkspaceID, &e.AgentID, &e.Status, &completed, &next, &artifacts, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan progress: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &e.Completed); err != nil {
		return nil, fmt.Errorf("decode completed: %w", err)
	}
	if err := json.Unmarshal([]byte(next), &e.Next); err != nil {
		return nil, fmt.Errorf("decode next: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &e.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if e.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse progress created_at: %w", err)
	}
	return &e, nil
}

func marshalList(s []string) (string, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	return string(b), err
}
