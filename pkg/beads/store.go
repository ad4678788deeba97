// Package beads implements the bead store: discrete work units with an
// exclusive-claim assignment contract and a test-result gate on closing.
// All mutations are single conditional UPDATE statements so concurrent
// callers resolve to exactly one winner without long-lived locks.
package beads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// Store manages the beads, bead_events, and test_runs tables.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store backed by the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create declares a new bead in pending status.
func (s *Store) Create(ctx context.Context, workspaceID, beadID, title string) (*protocol.Bead, error) {
	now := s.now()
	ts := protocol.FormatTime(now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO beads (id, workspace_id, title, status, assignee, test_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?, ?)`,
		beadID, workspaceID, title, string(protocol.BeadPending), string(protocol.TestPending), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("create bead: %w", err)
	}
	return s.Get(ctx, workspaceID, beadID)
}

// Claim atomically assigns the bead to agentID and moves it to in_progress.
// It succeeds only while the bead is pending or failed, or carries no
// assignee; concurrent claims on the same bead resolve to exactly one
// winner and losers receive ConflictError.
func (s *Store) Claim(ctx context.Context, workspaceID, beadID, agentID string) (*protocol.Bead, error) {
	before, err := s.Get(ctx, workspaceID, beadID)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE beads SET assignee=?, status=?, updated_at=?
		 WHERE id=? AND workspace_id=?
		   AND (status IN (?, ?) OR assignee='')
		   AND status NOT IN (?, ?)`,
		agentID, string(protocol.BeadInProgress), protocol.FormatTime(s.now()),
		beadID, workspaceID,
		string(protocol.BeadPending), string(protocol.BeadFailed),
		string(protocol.BeadDone), string(protocol.BeadInProgress))
	if err != nil {
		return nil, fmt.Errorf("claim bead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if n == 0 {
		return nil, &protocol.ConflictError{Kind: "bead", ID: beadID, Detail: "already claimed"}
	}

	s.appendEvent(ctx, beadID, before.Status, protocol.BeadInProgress)
	return s.Get(ctx, workspaceID, beadID)
}

// RecordTest appends a test result and mirrors it onto the bead's
// test_status. Re-runs are permitted and do not change the bead's status.
// Recording the identical result twice is a no-op beyond the first
// application: no duplicate trail row is written.
func (s *Store) RecordTest(ctx context.Context, workspaceID, beadID string, status protocol.TestStatus, command string) (*protocol.TestRun, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("record test on %s: unknown status %q", beadID, status)
	}
	if _, err := s.Get(ctx, workspaceID, beadID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("record test begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotence guard: skip if the latest run is identical.
	var lastID int64
	var lastStatus, lastCommand, lastCreated string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status, command, created_at FROM test_runs WHERE bead_id=? ORDER BY id DESC LIMIT 1`,
		beadID).Scan(&lastID, &lastStatus, &lastCommand, &lastCreated)
	switch {
	case err == nil:
		if protocol.TestStatus(lastStatus) == status && lastCommand == command {
			createdAt, perr := protocol.ParseTime(lastCreated)
			if perr != nil {
				return nil, fmt.Errorf("parse test run created_at: %w", perr)
			}
			return &protocol.TestRun{ID: lastID, BeadID: beadID, Status: status, Command: command, CreatedAt: createdAt}, nil
		}
	case errors.Is(err, sql.ErrNoRows):
		// First run for this bead.
	default:
		return nil, fmt.Errorf("record test lookup: %w", err)
	}

	now := s.now()
	ts := protocol.FormatTime(now)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO test_runs (bead_id, status, command, created_at) VALUES (?, ?, ?, ?)`,
		beadID, string(status), command, ts)
	if err != nil {
		return nil, fmt.Errorf("record test insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("record test insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE beads SET test_status=?, updated_at=? WHERE id=? AND workspace_id=?`,
		string(status), ts, beadID, workspaceID); err != nil {
		return nil, fmt.Errorf("record test mirror: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("record test commit: %w", err)
	}
	return &protocol.TestRun{ID: id, BeadID: beadID, Status: status, Command: command, CreatedAt: now.UTC()}, nil
}

// Close terminally closes an in-progress bead as done or failed. Closing as
// done is gated on the bead's current test status (passed or skipped) inside
// the same conditional UPDATE, so the gate holds under any interleaving with
// RecordTest. Without force, the caller must be the current assignee.
func (s *Store) Close(ctx context.Context, workspaceID, beadID, agentID string, final protocol.BeadStatus, force bool) (*protocol.Bead, error) {
	if !final.Closed() {
		return nil, fmt.Errorf("close %s: %q is not a terminal status", beadID, final)
	}

	before, err := s.Get(ctx, workspaceID, beadID)
	if err != nil {
		return nil, err
	}

	forceFlag := 0
	if force {
		forceFlag = 1
	}
	gateExempt := 0
	if final != protocol.BeadDone {
		gateExempt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE beads SET status=?, updated_at=?
		 WHERE id=? AND workspace_id=? AND status=?
		   AND (assignee=? OR ?=1)
		   AND (test_status IN (?, ?) OR ?=1)`,
		string(final), protocol.FormatTime(s.now()),
		beadID, workspaceID, string(protocol.BeadInProgress),
		agentID, forceFlag,
		string(protocol.TestPassed), string(protocol.TestSkipped), gateExempt)
	if err != nil {
		return nil, fmt.Errorf("close bead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("close rows affected: %w", err)
	}
	if n == 0 {
		return nil, s.classifyCloseFailure(ctx, workspaceID, beadID, agentID, final, force)
	}

	s.appendEvent(ctx, beadID, before.Status, final)
	return s.Get(ctx, workspaceID, beadID)
}

// classifyCloseFailure re-reads the bead to produce the precise error for a
// failed conditional close.
func (s *Store) classifyCloseFailure(ctx context.Context, workspaceID, beadID, agentID string, final protocol.BeadStatus, force bool) error {
	b, err := s.Get(ctx, workspaceID, beadID)
	if err != nil {
		return err
	}
	if b.Status != protocol.BeadInProgress {
		return &protocol.InvalidTransitionError{Kind: "bead", ID: beadID, From: string(b.Status), To: string(final)}
	}
	if !force && b.Assignee != agentID {
		return &protocol.UnauthorizedError{AgentID: agentID, Op: "close"}
	}
	if final == protocol.BeadDone && !b.TestStatus.GatesDone() {
		return &protocol.TestGateError{BeadID: beadID, TestStatus: b.TestStatus}
	}
	// The condition held on re-read: another caller raced us in between.
	return &protocol.ConflictError{Kind: "bead", ID: beadID, Detail: "state changed concurrently"}
}

// SetStatus moves a bead between the non-terminal statuses: in_progress to
// blocked and blocked back to in_progress. Terminal closes go through Close.
func (s *Store) SetStatus(ctx context.Context, workspaceID, beadID, agentID string, next protocol.BeadStatus, force bool) (*protocol.Bead, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("set status on %s: unknown status %q", beadID, next)
	}
	if next.Closed() {
		return s.Close(ctx, workspaceID, beadID, agentID, next, force)
	}

	before, err := s.Get(ctx, workspaceID, beadID)
	if err != nil {
		return nil, err
	}

	allowed := (before.Status == protocol.BeadInProgress && next == protocol.BeadBlocked) ||
		(before.Status == protocol.BeadBlocked && next == protocol.BeadInProgress)
	if !allowed {
		return nil, &protocol.InvalidTransitionError{Kind: "bead", ID: beadID, From: string(before.Status), To: string(next)}
	}
	if !force && before.Assignee != agentID {
		return nil, &protocol.UnauthorizedError{AgentID: agentID, Op: "set_status"}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE beads SET status=?, updated_at=? WHERE id=? AND workspace_id=? AND status=?`,
		string(next), protocol.FormatTime(s.now()), beadID, workspaceID, string(before.Status))
	if err != nil {
		return nil, fmt.Errorf("set status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("set status rows affected: %w", err)
	} else if n == 0 {
		return nil, &protocol.ConflictError{Kind: "bead", ID: beadID, Detail: "state changed concurrently"}
	}

	s.appendEvent(ctx, beadID, before.Status, next)
	return s.Get(ctx, workspaceID, beadID)
}

// ReleaseAssignee reverts every open bead held by agentID to pending with
// no assignee, making them claimable again. A claim survives the assignee
// flipping the bead to blocked, so blocked beads are released too. Called
// when an agent is terminated mid-work. Returns the ids of the released
// beads.
func (s *Store) ReleaseAssignee(ctx context.Context, workspaceID, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status FROM beads WHERE workspace_id=? AND assignee=? AND status IN (?, ?)`,
		workspaceID, agentID, string(protocol.BeadInProgress), string(protocol.BeadBlocked))
	if err != nil {
		return nil, fmt.Errorf("release lookup: %w", err)
	}
	type claim struct {
		id     string
		status protocol.BeadStatus
	}
	var held []claim
	for rows.Next() {
		var c claim
		var status string
		if err := rows.Scan(&c.id, &status); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("release scan: %w", err)
		}
		c.status = protocol.BeadStatus(status)
		held = append(held, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("release iterate: %w", err)
	}
	_ = rows.Close()

	ts := protocol.FormatTime(s.now())
	ids := make([]string, 0, len(held))
	for _, c := range held {
		res, err := s.db.ExecContext(ctx,
			`UPDATE beads SET status=?, assignee='', updated_at=?
			 WHERE id=? AND workspace_id=? AND assignee=? AND status=?`,
			string(protocol.BeadPending), ts, c.id, workspaceID, agentID, string(c.status))
		if err != nil {
			return ids, fmt.Errorf("release bead %s: %w", c.id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			s.appendEvent(ctx, c.id, c.status, protocol.BeadPending)
			ids = append(ids, c.id)
		}
	}
	return ids, nil
}

// Get returns a single bead by id.
func (s *Store) Get(ctx context.Context, workspaceID, beadID string) (*protocol.Bead, error) {
	b, err := s.scanOne(s.db.QueryRowContext(ctx,
		selectBead+` WHERE id=? AND workspace_id=?`, beadID, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "bead", ID: beadID}
	}
	return b, err
}

// Filter restricts List results. Zero values match everything.
type Filter struct {
	Status   protocol.BeadStatus
	Assignee string
}

// List returns beads in the workspace matching the filter, oldest first.
func (s *Store) List(ctx context.Context, workspaceID string, f Filter) ([]protocol.Bead, error) {
	query := selectBead + ` WHERE workspace_id=?`
	args := []any{workspaceID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		query += ` AND assignee=?`
		args = append(args, f.Assignee)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list beads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var beads []protocol.Bead
	for rows.Next() {
		b, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		beads = append(beads, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate beads: %w", err)
	}
	return beads, nil
}

// History returns the bead's ordered status-change trail.
func (s *Store) History(ctx context.Context, workspaceID, beadID string) ([]protocol.BeadEvent, error) {
	if _, err := s.Get(ctx, workspaceID, beadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bead_id, from_status, to_status, created_at FROM bead_events WHERE bead_id=? ORDER BY id`,
		beadID)
	if err != nil {
		return nil, fmt.Errorf("bead history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var evs []protocol.BeadEvent
	for rows.Next() {
		var ev protocol.BeadEvent
		var from, to, createdAt string
		if err := rows.Scan(&ev.ID, &ev.BeadID, &from, &to, &createdAt); err != nil {
			return nil, fmt.Errorf("scan bead event: %w", err)
		}
		ev.From = protocol.BeadStatus(from)
		ev.To = protocol.BeadStatus(to)
		if ev.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse bead event created_at: %w", err)
		}
		evs = append(evs, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bead events: %w", err)
	}
	return evs, nil
}

// TestRuns returns the bead's appended test results, oldest first.
func (s *Store) TestRuns(ctx context.Context, workspaceID, beadID string) ([]protocol.TestRun, error) {
	if _, err := s.Get(ctx, workspaceID, beadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bead_id, status, command, created_at FROM test_runs WHERE bead_id=? ORDER BY id`,
		beadID)
	if err != nil {
		return nil, fmt.Errorf("test runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []protocol.TestRun
	for rows.Next() {
		var r protocol.TestRun
		var status, createdAt string
		if err := rows.Scan(&r.ID, &r.BeadID, &status, &r.Command, &createdAt); err != nil {
			return nil, fmt.Errorf("scan test run: %w", err)
		}
		r.Status = protocol.TestStatus(status)
		if r.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse test run created_at: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate test runs: %w", err)
	}
	return runs, nil
}

// appendEvent records a status change in the bead's trail. Best-effort: the
// trail is audit data, never a correctness dependency.
func (s *Store) appendEvent(ctx context.Context, beadID string, from, to protocol.BeadStatus) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO bead_events (bead_id, from_status, to_status, created_at) VALUES (?, ?, ?, ?)`,
		beadID, string(from), string(to), protocol.FormatTime(s.now()))
}

const selectBead = `SELECT id, workspace_id, title, status, assignee, test_status, created_at, updated_at FROM beads`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row rowScanner) (*protocol.Bead, error) {
	var b protocol.Bead
	var status, testStatus, createdAt, updatedAt string
	err := row.Scan(&b.ID, &b.WorkspaceID, &b.Title, &status, &b.Assignee, &testStatus, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan bead: %w", err)
	}
	b.Status = protocol.BeadStatus(status)
	b.TestStatus = protocol.TestStatus(testStatus)
	if b.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse bead created_at: %w", err)
	}
	if b.UpdatedAt, err = protocol.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse bead updated_at: %w", err)
	}
	return &b, nil
}
