// Package registry implements the agent registry: identity, spawn
// hierarchy, and the agent lifecycle state machine. The hierarchy is a
// forest keyed by id: a child row points at a pre-existing parent id, so
// depth is a stored column and cycles are structurally impossible.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"foreman/pkg/protocol"
)

// Store manages the agents table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store backed by the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SpawnParams holds parameters for registering a new agent.
type SpawnParams struct {
	ID        string // assigned by the caller (coordinator generates uuids)
	ParentID  string // empty spawns a root agent at depth 0
	Name      string
	Role      protocol.Role
	Model     string
	CanSpawn  bool
	BranchRef string
	MaxDepth  int // hierarchy limit; 0 disables the check
}

// Spawn registers a new agent. A non-empty ParentID must reference a live,
// spawn-capable agent in the same workspace; the child's depth is
// parent depth + 1 and is rejected with DepthExceededError past MaxDepth.
func (s *Store) Spawn(ctx context.Context, workspaceID string, p SpawnParams) (*protocol.Agent, error) {
	if !p.Role.Valid() {
		return nil, fmt.Errorf("spawn %s: unknown role %q", p.Name, p.Role)
	}
	if p.Name == "" {
		return nil, errors.New("spawn: empty agent name")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("spawn begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	depth := 0
	if p.ParentID != "" {
		var parentState string
		var parentCanSpawn bool
		var parentDepth int
		err := tx.QueryRowContext(ctx,
			`SELECT state, can_spawn, spawn_depth FROM agents WHERE id=? AND workspace_id=?`,
			p.ParentID, workspaceID).Scan(&parentState, &parentCanSpawn, &parentDepth)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &protocol.NotFoundError{Kind: "agent", ID: p.ParentID}
		}
		if err != nil {
			return nil, fmt.Errorf("spawn lookup parent: %w", err)
		}
		if protocol.AgentState(parentState) == protocol.AgentTerminated {
			// A terminated parent keeps its history but cannot take children.
			return nil, &protocol.NotFoundError{Kind: "agent", ID: p.ParentID}
		}
		if !parentCanSpawn {
			return nil, &protocol.UnauthorizedError{AgentID: p.ParentID, Op: "spawn"}
		}
		depth = parentDepth + 1
		if p.MaxDepth > 0 && depth > p.MaxDepth {
			return nil, &protocol.DepthExceededError{ParentID: p.ParentID, Depth: depth, Max: p.MaxDepth}
		}
	}

	now := s.now()
	ts := protocol.FormatTime(now)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, workspace_id, name, role, model, parent_id, can_spawn, spawn_depth, state, branch_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, workspaceID, p.Name, string(p.Role), p.Model, p.ParentID,
		boolToInt(p.CanSpawn), depth, string(protocol.AgentSpawned), p.BranchRef, ts, ts)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, &protocol.ConflictError{Kind: "agent", ID: p.Name, Detail: "name already registered"}
		}
		return nil, fmt.Errorf("spawn insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("spawn commit: %w", err)
	}

	return &protocol.Agent{
		ID:          p.ID,
		WorkspaceID: workspaceID,
		Name:        p.Name,
		Role:        p.Role,
		Model:       p.Model,
		ParentID:    p.ParentID,
		CanSpawn:    p.CanSpawn,
		SpawnDepth:  depth,
		State:       protocol.AgentSpawned,
		BranchRef:   p.BranchRef,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}, nil
}

// Transition moves an agent along a legal lifecycle edge. Concurrent
// transitions on the same agent resolve to a single winner: the update is
// conditional on the observed current state, and losers get ConflictError.
func (s *Store) Transition(ctx context.Context, workspaceID, agentID string, next protocol.AgentState) (*protocol.Agent, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("transition %s: unknown state %q", agentID, next)
	}

	current, err := s.Get(ctx, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	if !current.State.CanTransition(next) {
		return nil, &protocol.InvalidTransitionError{
			Kind: "agent", ID: agentID, From: string(current.State), To: string(next),
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET state=?, updated_at=? WHERE id=? AND workspace_id=? AND state=?`,
		string(next), protocol.FormatTime(s.now()), agentID, workspaceID, string(current.State))
	if err != nil {
		return nil, fmt.Errorf("transition update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		// Someone else moved the agent first.
		return nil, &protocol.ConflictError{Kind: "agent", ID: agentID, Detail: "state changed concurrently"}
	}
	return s.Get(ctx, workspaceID, agentID)
}

// Terminate forces an agent to terminated from any live state. This is the
// authority-bearing close performed by the owning parent or the mayor; the
// agent's history stays queryable. Terminating an already-terminated agent
// is a no-op. The caller is responsible for releasing the agent's bead
// claims (see beads.ReleaseAssignee).
func (s *Store) Terminate(ctx context.Context, workspaceID, agentID string) (*protocol.Agent, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET state=?, updated_at=? WHERE id=? AND workspace_id=? AND state != ?`,
		string(protocol.AgentTerminated), protocol.FormatTime(s.now()),
		agentID, workspaceID, string(protocol.AgentTerminated))
	if err != nil {
		return nil, fmt.Errorf("terminate update: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("terminate rows affected: %w", err)
	} else if n == 0 {
		// Either missing or already terminated; Get disambiguates.
		return s.Get(ctx, workspaceID, agentID)
	}
	return s.Get(ctx, workspaceID, agentID)
}

// Get returns a single agent by id.
func (s *Store) Get(ctx context.Context, workspaceID, agentID string) (*protocol.Agent, error) {
	a, err := s.scanOne(s.db.QueryRowContext(ctx,
		selectAgent+` WHERE id=? AND workspace_id=?`, agentID, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "agent", ID: agentID}
	}
	return a, err
}

// GetByName returns a single agent by its workspace-unique name.
func (s *Store) GetByName(ctx context.Context, workspaceID, name string) (*protocol.Agent, error) {
	a, err := s.scanOne(s.db.QueryRowContext(ctx,
		selectAgent+` WHERE workspace_id=? AND name=?`, workspaceID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "agent", ID: name}
	}
	return a, err
}

// Filter restricts List results. Zero values match everything.
type Filter struct {
	Role              protocol.Role
	State             protocol.AgentState
	ExcludeTerminated bool
	ParentID          string
}

// List returns agents in the workspace matching the filter, oldest first.
// Callers re-invoke to restart the sequence with fresh state.
func (s *Store) List(ctx context.Context, workspaceID string, f Filter) ([]protocol.Agent, error) {
	query := selectAgent + ` WHERE workspace_id=?`
	args := []any{workspaceID}
	if f.Role != "" {
		query += ` AND role=?`
		args = append(args, string(f.Role))
	}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, string(f.State))
	}
	if f.ExcludeTerminated {
		query += ` AND state != ?`
		args = append(args, string(protocol.AgentTerminated))
	}
	if f.ParentID != "" {
		query += ` AND parent_id=?`
		args = append(args, f.ParentID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []protocol.Agent
	for rows.Next() {
		a, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

const selectAgent = `SELECT id, workspace_id, name, role, model, parent_id, can_spawn, spawn_depth, state, branch_ref, created_at, updated_at FROM agents`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row rowScanner) (*protocol.Agent, error) {
	var a protocol.Agent
	var role, state, createdAt, updatedAt string
	var canSpawn int
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Name, &role, &a.Model, &a.ParentID,
		&canSpawn, &a.SpawnDepth, &state, &a.BranchRef, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Role = protocol.Role(role)
	a.State = protocol.AgentState(state)
	a.CanSpawn = canSpawn != 0
	if a.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse agent created_at: %w", err)
	}
	if a.UpdatedAt, err = protocol.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse agent updated_at: %w", err)
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
