// Package mergeq implements the merge queue: review and build gated
// submissions of completed work. The merge gate itself is a single
// conditional UPDATE so the approved-review-and-passing-build requirement
// holds atomically under concurrent review, build, and merge calls.
package mergeq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// Store manages the merge_requests table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store backed by the given database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SubmitParams describes a new merge request.
type SubmitParams struct {
	ID           string
	AgentID      string
	BeadID       string // optional; closed by the coordinator when the request merges
	BranchRef    string
	Title        string
	Description  string
	FilesChanged []string
}

// Submit queues a merge request with pending review and build status.
func (s *Store) Submit(ctx context.Context, workspaceID string, p SubmitParams) (*protocol.MergeRequest, error) {
	if p.BranchRef == "" {
		return nil, fmt.Errorf("submit merge request %s: branch ref required", p.ID)
	}
	files, err := json.Marshal(emptyNotNil(p.FilesChanged))
	if err != nil {
		return nil, fmt.Errorf("submit encode files: %w", err)
	}
	ts := protocol.FormatTime(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merge_requests
		 (id, workspace_id, agent_id, bead_id, branch_ref, title, description, files_changed,
		  review_status, build_status, merge_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, workspaceID, p.AgentID, p.BeadID, p.BranchRef, p.Title, p.Description, string(files),
		string(protocol.ReviewPending), string(protocol.BuildPending), string(protocol.MergeQueued), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("submit merge request: %w", err)
	}
	return s.Get(ctx, workspaceID, p.ID)
}

// SetReview records a review decision on an open request. Role authority is
// checked by the coordinator; the store only enforces queue state.
func (s *Store) SetReview(ctx context.Context, workspaceID, id string, status protocol.ReviewStatus) (*protocol.MergeRequest, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("set review on %s: unknown status %q", id, status)
	}
	return s.setGate(ctx, workspaceID, id, "review_status", string(status))
}

// SetBuild records a build pipeline result on an open request.
func (s *Store) SetBuild(ctx context.Context, workspaceID, id string, status protocol.BuildStatus) (*protocol.MergeRequest, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("set build on %s: unknown status %q", id, status)
	}
	return s.setGate(ctx, workspaceID, id, "build_status", string(status))
}

func (s *Store) setGate(ctx context.Context, workspaceID, id, column, value string) (*protocol.MergeRequest, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_requests SET `+column+`=?, updated_at=?
		 WHERE id=? AND workspace_id=? AND merge_status IN (?, ?)`,
		value, protocol.FormatTime(s.now()),
		id, workspaceID, string(protocol.MergeQueued), string(protocol.MergeStalled))
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("set %s rows affected: %w", column, err)
	}
	if n == 0 {
		mr, gerr := s.Get(ctx, workspaceID, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &protocol.InvalidTransitionError{
			Kind: "merge_request", ID: id,
			From: string(mr.MergeStatus), To: column + "=" + value,
		}
	}
	return s.Get(ctx, workspaceID, id)
}

// TryMerge merges the request if and only if its review is approved and its
// build has passed, both at the instant of the update. On an unmet gate the
// request stays open and the error names the unmet condition, review first.
func (s *Store) TryMerge(ctx context.Context, workspaceID, id string) (*protocol.MergeRequest, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_requests SET merge_status=?, updated_at=?
		 WHERE id=? AND workspace_id=? AND merge_status IN (?, ?)
		   AND review_status=? AND build_status=?`,
		string(protocol.MergeMerged), protocol.FormatTime(s.now()),
		id, workspaceID, string(protocol.MergeQueued), string(protocol.MergeStalled),
		string(protocol.ReviewApproved), string(protocol.BuildPassed))
	if err != nil {
		return nil, fmt.Errorf("try merge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("try merge rows affected: %w", err)
	}
	if n == 0 {
		return nil, s.classifyMergeFailure(ctx, workspaceID, id)
	}
	return s.Get(ctx, workspaceID, id)
}

// classifyMergeFailure re-reads the request to produce the precise error for
// a failed conditional merge.
func (s *Store) classifyMergeFailure(ctx context.Context, workspaceID, id string) error {
	mr, err := s.Get(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if !mr.MergeStatus.Open() {
		return &protocol.InvalidTransitionError{
			Kind: "merge_request", ID: id,
			From: string(mr.MergeStatus), To: string(protocol.MergeMerged),
		}
	}
	if mr.ReviewStatus != protocol.ReviewApproved {
		return &protocol.MergeGateError{MergeRequestID: id, Unmet: protocol.AwaitingReview}
	}
	if mr.BuildStatus != protocol.BuildPassed {
		return &protocol.MergeGateError{MergeRequestID: id, Unmet: protocol.AwaitingBuild}
	}
	return &protocol.ConflictError{Kind: "merge_request", ID: id, Detail: "state changed concurrently"}
}

// Reject terminally closes an open request without merging.
func (s *Store) Reject(ctx context.Context, workspaceID, id string) (*protocol.MergeRequest, error) {
	return s.close(ctx, workspaceID, id, protocol.MergeRejected)
}

// MarkStalled flags an open queued request as stalled. Used by the health
// monitor; a stalled request remains reviewable, buildable, and mergeable.
func (s *Store) MarkStalled(ctx context.Context, workspaceID, id string) (*protocol.MergeRequest, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_requests SET merge_status=?, updated_at=?
		 WHERE id=? AND workspace_id=? AND merge_status=?`,
		string(protocol.MergeStalled), protocol.FormatTime(s.now()),
		id, workspaceID, string(protocol.MergeQueued))
	if err != nil {
		return nil, fmt.Errorf("mark stalled: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("mark stalled rows affected: %w", err)
	} else if n == 0 {
		mr, gerr := s.Get(ctx, workspaceID, id)
		if gerr != nil {
			return nil, gerr
		}
		if mr.MergeStatus == protocol.MergeStalled {
			return mr, nil // already flagged
		}
		return nil, &protocol.InvalidTransitionError{
			Kind: "merge_request", ID: id,
			From: string(mr.MergeStatus), To: string(protocol.MergeStalled),
		}
	}
	return s.Get(ctx, workspaceID, id)
}

func (s *Store) close(ctx context.Context, workspaceID, id string, final protocol.MergeStatus) (*protocol.MergeRequest, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_requests SET merge_status=?, updated_at=?
		 WHERE id=? AND workspace_id=? AND merge_status IN (?, ?)`,
		string(final), protocol.FormatTime(s.now()),
		id, workspaceID, string(protocol.MergeQueued), string(protocol.MergeStalled))
	if err != nil {
		return nil, fmt.Errorf("close merge request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("close rows affected: %w", err)
	} else if n == 0 {
		mr, gerr := s.Get(ctx, workspaceID, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &protocol.InvalidTransitionError{
			Kind: "merge_request", ID: id,
			From: string(mr.MergeStatus), To: string(final),
		}
	}
	return s.Get(ctx, workspaceID, id)
}

// QueuedSince returns open requests whose last update is at or before cutoff,
// oldest first. The health monitor uses this to find stalled submissions.
func (s *Store) QueuedSince(ctx context.Context, workspaceID string, cutoff time.Time) ([]protocol.MergeRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		selectMergeRequest+` WHERE workspace_id=? AND merge_status=? AND updated_at<=? ORDER BY updated_at, id`,
		workspaceID, string(protocol.MergeQueued), protocol.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("queued since: %w", err)
	}
	return s.collect(rows)
}

// Get returns a single merge request by id.
func (s *Store) Get(ctx context.Context, workspaceID, id string) (*protocol.MergeRequest, error) {
	mr, err := s.scanOne(s.db.QueryRowContext(ctx,
		selectMergeRequest+` WHERE id=? AND workspace_id=?`, id, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "merge_request", ID: id}
	}
	return mr, err
}

// Filter restricts List results. Zero values match everything.
type Filter struct {
	AgentID     string
	MergeStatus protocol.MergeStatus
	OpenOnly    bool
}

// List returns merge requests in the workspace matching the filter, oldest
// first.
func (s *Store) List(ctx context.Context, workspaceID string, f Filter) ([]protocol.MergeRequest, error) {
	query := selectMergeRequest + ` WHERE workspace_id=?`
	args := []any{workspaceID}
	if f.AgentID != "" {
		query += ` AND agent_id=?`
		args = append(args, f.AgentID)
	}
	if f.MergeStatus != "" {
		query += ` AND merge_status=?`
		args = append(args, string(f.MergeStatus))
	}
	if f.OpenOnly {
		query += ` AND merge_status IN (?, ?)`
		args = append(args, string(protocol.MergeQueued), string(protocol.MergeStalled))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list merge requests: %w", err)
	}
	return s.collect(rows)
}

func (s *Store) collect(rows *sql.Rows) ([]protocol.MergeRequest, error) {
	defer func() { _ = rows.Close() }()
	var mrs []protocol.MergeRequest
	for rows.Next() {
		mr, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		mrs = append(mrs, *mr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate merge requests: %w", err)
	}
	return mrs, nil
}

const selectMergeRequest = `SELECT id, workspace_id, agent_id, bead_id, branch_ref, title, description,
 files_changed, review_status, build_status, merge_status, created_at, updated_at FROM merge_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row rowScanner) (*protocol.MergeRequest, error) {
	var mr protocol.MergeRequest
	var files, review, build, merge, createdAt, updatedAt string
	err := row.Scan(&mr.ID, &mr.WorkspaceID, &mr.AgentID, &mr.BeadID, &mr.BranchRef, &mr.Title,
		&mr.Description, &files, &review, &build, &merge, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan merge request: %w", err)
	}
	if err := json.Unmarshal([]byte(files), &mr.FilesChanged); err != nil {
		return nil, fmt.Errorf("decode files_changed: %w", err)
	}
	mr.ReviewStatus = protocol.ReviewStatus(review)
	mr.BuildStatus = protocol.BuildStatus(build)
	mr.MergeStatus = protocol.MergeStatus(merge)
	if mr.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse merge request created_at: %w", err)
	}
	if mr.UpdatedAt, err = protocol.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse merge request updated_at: %w", err)
	}
	return &mr, nil
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
