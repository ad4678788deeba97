// Package coordinator composes the stores over a single database and owns
// the cross-cutting rules: workspace lifecycle and isolation, actor
// authority resolution, id generation, and the audit event written on every
// mutation. The HTTP surface and the health monitor both drive the system
// exclusively through this package.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/beads"
	"foreman/pkg/events"
	"foreman/pkg/ledger"
	"foreman/pkg/mailbox"
	"foreman/pkg/mergeq"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"
)

// Config tunes coordinator behavior.
type Config struct {
	// MaxSpawnDepth caps the agent hierarchy. 0 uses the default.
	MaxSpawnDepth int
}

func (c Config) withDefaults() Config {
	if c.MaxSpawnDepth == 0 {
		c.MaxSpawnDepth = 5
	}
	return c
}

// Coordinator is the single entry point for all state-changing operations.
type Coordinator struct {
	db  *sql.DB
	cfg Config

	Registry *registry.Store
	Beads    *beads.Store
	Mailbox  *mailbox.Store
	MergeQ   *mergeq.Store
	Ledger   *ledger.Store
	Events   *events.Log

	now   func() time.Time
	newID func() string
}

// New creates a Coordinator and its stores over the given database. The
// schema must already be applied.
func New(db *sql.DB, cfg Config) *Coordinator {
	return &Coordinator{
		db:       db,
		cfg:      cfg.withDefaults(),
		Registry: registry.New(db),
		Beads:    beads.New(db),
		Mailbox:  mailbox.New(db),
		MergeQ:   mergeq.New(db),
		Ledger:   ledger.New(db),
		Events:   events.New(db),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// --- Workspaces ---

// OpenWorkspace creates a workspace, generating an id when none is given.
// Opening an existing open workspace is a no-op returning the current row;
// reopening a closed workspace is a conflict.
func (c *Coordinator) OpenWorkspace(ctx context.Context, id, name string) (*protocol.Workspace, error) {
	if id == "" {
		id = c.newID()
	}
	existing, err := c.Workspace(ctx, id)
	switch {
	case err == nil:
		if existing.ClosedAt != nil {
			return nil, &protocol.ConflictError{Kind: "workspace", ID: id, Detail: "workspace is closed"}
		}
		return existing, nil
	case isNotFound(err):
		// First reference creates it.
	default:
		return nil, err
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, protocol.FormatTime(c.now()))
	if err != nil {
		// A concurrent open won the insert; fall through to the same
		// no-op-or-conflict answer the pre-check gives.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			ws, err := c.Workspace(ctx, id)
			if err != nil {
				return nil, err
			}
			if ws.ClosedAt != nil {
				return nil, &protocol.ConflictError{Kind: "workspace", ID: id, Detail: "workspace is closed"}
			}
			return ws, nil
		}
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	c.logEvent(ctx, id, "workspace.opened", "coordinator", id, nil)
	return c.Workspace(ctx, id)
}

// CloseWorkspace archives a workspace. Its rows stay queryable but every
// mutating operation on it is rejected afterwards. Idempotent.
func (c *Coordinator) CloseWorkspace(ctx context.Context, id string) (*protocol.Workspace, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE workspaces SET closed_at=? WHERE id=? AND closed_at IS NULL`,
		protocol.FormatTime(c.now()), id)
	if err != nil {
		return nil, fmt.Errorf("close workspace: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("close workspace rows affected: %w", err)
	} else if n > 0 {
		c.logEvent(ctx, id, "workspace.closed", "coordinator", id, nil)
	}
	return c.Workspace(ctx, id)
}

// Workspace returns a workspace row, closed or not.
func (c *Coordinator) Workspace(ctx context.Context, id string) (*protocol.Workspace, error) {
	var w protocol.Workspace
	var createdAt string
	var closedAt sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, closed_at FROM workspaces WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &createdAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.NotFoundError{Kind: "workspace", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	if w.CreatedAt, err = protocol.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse workspace created_at: %w", err)
	}
	if closedAt.Valid {
		t, err := protocol.ParseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse workspace closed_at: %w", err)
		}
		w.ClosedAt = &t
	}
	return &w, nil
}

// ListWorkspaces returns all workspaces, oldest first.
func (c *Coordinator) ListWorkspaces(ctx context.Context) ([]protocol.Workspace, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM workspaces ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workspace id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}

	var wss []protocol.Workspace
	for _, id := range ids {
		w, err := c.Workspace(ctx, id)
		if err != nil {
			return nil, err
		}
		wss = append(wss, *w)
	}
	return wss, nil
}

// requireOpen rejects operations addressed to unknown or closed workspaces.
func (c *Coordinator) requireOpen(ctx context.Context, workspaceID string) error {
	w, err := c.Workspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if w.ClosedAt != nil {
		return &protocol.NotFoundError{Kind: "workspace", ID: workspaceID}
	}
	return nil
}

// --- Agents ---

// SpawnRequest describes an agent to register.
type SpawnRequest struct {
	ParentID  string // empty spawns a root agent
	Name      string
	Role      protocol.Role
	Model     string
	CanSpawn  bool
	BranchRef string
}

// SpawnAgent registers a new agent under the workspace.
func (c *Coordinator) SpawnAgent(ctx context.Context, workspaceID string, req SpawnRequest) (*protocol.Agent, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	a, err := c.Registry.Spawn(ctx, workspaceID, registry.SpawnParams{
		ID:        c.newID(),
		ParentID:  req.ParentID,
		Name:      req.Name,
		Role:      req.Role,
		Model:     req.Model,
		CanSpawn:  req.CanSpawn,
		BranchRef: req.BranchRef,
		MaxDepth:  c.cfg.MaxSpawnDepth,
	})
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "agent.spawned", sourceOrCoordinator(req.ParentID), a.ID,
		map[string]string{"name": a.Name, "role": string(a.Role)})
	return a, nil
}

// TransitionAgent moves an agent along a lifecycle edge.
func (c *Coordinator) TransitionAgent(ctx context.Context, workspaceID, agentID string, next protocol.AgentState) (*protocol.Agent, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	a, err := c.Registry.Transition(ctx, workspaceID, agentID, next)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "agent.transitioned", agentID, agentID,
		map[string]string{"state": string(next)})
	return a, nil
}

// TerminateAgent terminates an agent with authority: the actor must be the
// agent itself, its parent, or hold escalation authority. The agent's
// in-progress bead claims are released back to pending.
func (c *Coordinator) TerminateAgent(ctx context.Context, workspaceID, actorID, agentID string) (*protocol.Agent, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	target, err := c.Registry.Get(ctx, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	if actorID != agentID && actorID != target.ParentID {
		actor, err := c.Registry.Get(ctx, workspaceID, actorID)
		if err != nil {
			return nil, err
		}
		if !actor.Role.HasEscalationAuthority() {
			return nil, &protocol.UnauthorizedError{AgentID: actorID, Role: actor.Role, Op: "terminate"}
		}
	}

	a, err := c.Registry.Terminate(ctx, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	released, err := c.Beads.ReleaseAssignee(ctx, workspaceID, agentID)
	if err != nil {
		return nil, fmt.Errorf("terminate release beads: %w", err)
	}
	c.logEvent(ctx, workspaceID, "agent.terminated", actorID, agentID,
		map[string]any{"released_beads": released})
	return a, nil
}

// EnsureAgent returns the named agent, registering a root agent with the
// given role when it does not exist yet. Used by the health monitor for its
// own identity.
func (c *Coordinator) EnsureAgent(ctx context.Context, workspaceID, name string, role protocol.Role) (*protocol.Agent, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	a, err := c.Registry.GetByName(ctx, workspaceID, name)
	if err == nil {
		return a, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return c.SpawnAgent(ctx, workspaceID, SpawnRequest{Name: name, Role: role})
}

// --- Beads ---

// CreateBead declares a new unit of work.
func (c *Coordinator) CreateBead(ctx context.Context, workspaceID, title string) (*protocol.Bead, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	b, err := c.Beads.Create(ctx, workspaceID, c.newID(), title)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "bead.created", "coordinator", b.ID,
		map[string]string{"title": title})
	return b, nil
}

// ClaimBead assigns a bead to a live agent.
func (c *Coordinator) ClaimBead(ctx context.Context, workspaceID, beadID, agentID string) (*protocol.Bead, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	agent, err := c.Registry.Get(ctx, workspaceID, agentID)
	if err != nil {
		return nil, err
	}
	if agent.State == protocol.AgentTerminated {
		return nil, &protocol.UnauthorizedError{AgentID: agentID, Role: agent.Role, Op: "claim"}
	}
	b, err := c.Beads.Claim(ctx, workspaceID, beadID, agentID)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "bead.claimed", agentID, beadID, nil)
	return b, nil
}

// RecordTest appends a test result for a bead.
func (c *Coordinator) RecordTest(ctx context.Context, workspaceID, beadID string, status protocol.TestStatus, command string) (*protocol.TestRun, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	run, err := c.Beads.RecordTest(ctx, workspaceID, beadID, status, command)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "bead.test_recorded", "coordinator", beadID,
		map[string]string{"status": string(status)})
	return run, nil
}

// CloseBead closes a bead as done or failed. Actors with escalation
// authority may close beads they do not hold; the test gate applies to
// everyone.
func (c *Coordinator) CloseBead(ctx context.Context, workspaceID, beadID, actorID string, final protocol.BeadStatus) (*protocol.Bead, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	force, err := c.actorHasAuthority(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	b, err := c.Beads.Close(ctx, workspaceID, beadID, actorID, final, force)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "bead.closed", actorID, beadID,
		map[string]string{"status": string(final)})
	return b, nil
}

// SetBeadStatus moves a bead between in_progress and blocked, or closes it.
func (c *Coordinator) SetBeadStatus(ctx context.Context, workspaceID, beadID, actorID string, next protocol.BeadStatus) (*protocol.Bead, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	force, err := c.actorHasAuthority(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	b, err := c.Beads.SetStatus(ctx, workspaceID, beadID, actorID, next, force)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "bead.status_set", actorID, beadID,
		map[string]string{"status": string(next)})
	return b, nil
}

// actorHasAuthority reports whether the actor's role carries escalation
// authority. Unknown actors resolve to no authority rather than an error so
// external collaborators can act under plain identifiers.
func (c *Coordinator) actorHasAuthority(ctx context.Context, workspaceID, actorID string) (bool, error) {
	actor, err := c.Registry.Get(ctx, workspaceID, actorID)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return actor.Role.HasEscalationAuthority(), nil
}

// --- Messages ---

// SendRequest describes a message to deliver. From is the sender's agent
// name; To is either an agent name or a role alias resolved at fetch time.
type SendRequest struct {
	From    string
	To      string
	Type    protocol.MessageType
	Content string
}

// SendMessage validates the sender and recipient and enqueues the message.
func (c *Coordinator) SendMessage(ctx context.Context, workspaceID string, req SendRequest) (*protocol.Message, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	if _, err := c.Registry.GetByName(ctx, workspaceID, req.From); err != nil {
		return nil, err
	}
	// Recipient must be a registered agent name or a role alias. Role
	// aliases are valid even before a holder exists.
	if !protocol.Role(req.To).Valid() {
		if _, err := c.Registry.GetByName(ctx, workspaceID, req.To); err != nil {
			return nil, err
		}
	}
	m, err := c.Mailbox.Send(ctx, workspaceID, mailbox.SendParams{
		ID: c.newID(), From: req.From, To: req.To, Type: req.Type, Content: req.Content,
	})
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "message.sent", req.From, m.ID,
		map[string]string{"to": req.To, "type": string(req.Type)})
	return m, nil
}

// FetchInbox returns the named agent's unread messages in delivery order.
// The inbox covers messages addressed to the agent by name and, by role
// alias, to the role it currently holds. Fetching does not consume.
func (c *Coordinator) FetchInbox(ctx context.Context, workspaceID, agentName string) ([]protocol.Message, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	a, err := c.Registry.GetByName(ctx, workspaceID, agentName)
	if err != nil {
		return nil, err
	}
	return c.Mailbox.Inbox(ctx, workspaceID, []string{a.Name, string(a.Role)})
}

// MarkMessageRead acknowledges a message.
func (c *Coordinator) MarkMessageRead(ctx context.Context, workspaceID, messageID string) error {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return err
	}
	return c.Mailbox.MarkRead(ctx, workspaceID, messageID)
}

// --- Merge queue ---

// SubmitMerge queues a merge request for a live agent.
func (c *Coordinator) SubmitMerge(ctx context.Context, workspaceID string, p mergeq.SubmitParams) (*protocol.MergeRequest, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	if _, err := c.Registry.Get(ctx, workspaceID, p.AgentID); err != nil {
		return nil, err
	}
	if p.BeadID != "" {
		if _, err := c.Beads.Get(ctx, workspaceID, p.BeadID); err != nil {
			return nil, err
		}
	}
	if p.ID == "" {
		p.ID = c.newID()
	}
	mr, err := c.MergeQ.Submit(ctx, workspaceID, p)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "merge.submitted", p.AgentID, mr.ID,
		map[string]string{"branch_ref": mr.BranchRef})
	return mr, nil
}

// ReviewMerge records a review decision. Only reviewers and the mayor may
// review.
func (c *Coordinator) ReviewMerge(ctx context.Context, workspaceID, mergeID, actorID string, status protocol.ReviewStatus) (*protocol.MergeRequest, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	actor, err := c.Registry.Get(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.CanReview() {
		return nil, &protocol.UnauthorizedError{AgentID: actorID, Role: actor.Role, Op: "review"}
	}
	mr, err := c.MergeQ.SetReview(ctx, workspaceID, mergeID, status)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "merge.reviewed", actorID, mergeID,
		map[string]string{"status": string(status)})
	return mr, nil
}

// ReportBuild records a build pipeline result. The build system is an
// external collaborator, not a registered agent.
func (c *Coordinator) ReportBuild(ctx context.Context, workspaceID, mergeID string, status protocol.BuildStatus) (*protocol.MergeRequest, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	mr, err := c.MergeQ.SetBuild(ctx, workspaceID, mergeID, status)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "merge.build_reported", "build", mergeID,
		map[string]string{"status": string(status)})
	return mr, nil
}

// TryMerge attempts the merge gate. On success the linked bead, if any, is
// closed as done on the submitter's behalf; the test gate still applies and
// a gated bead is surfaced in the audit log rather than failing the merge.
func (c *Coordinator) TryMerge(ctx context.Context, workspaceID, mergeID string) (*protocol.MergeRequest, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	mr, err := c.MergeQ.TryMerge(ctx, workspaceID, mergeID)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "merge.merged", "coordinator", mergeID, nil)

	if mr.BeadID != "" {
		if _, err := c.Beads.Close(ctx, workspaceID, mr.BeadID, mr.AgentID, protocol.BeadDone, true); err != nil {
			c.logEvent(ctx, workspaceID, "merge.bead_close_failed", "coordinator", mr.BeadID,
				map[string]string{"merge_request": mergeID, "error": err.Error()})
		} else {
			c.logEvent(ctx, workspaceID, "bead.closed", "coordinator", mr.BeadID,
				map[string]string{"status": string(protocol.BeadDone), "merge_request": mergeID})
		}
	}
	return mr, nil
}

// RejectMerge closes an open merge request without merging.
func (c *Coordinator) RejectMerge(ctx context.Context, workspaceID, mergeID, actorID string) (*protocol.MergeRequest, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	actor, err := c.Registry.Get(ctx, workspaceID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.CanReview() {
		return nil, &protocol.UnauthorizedError{AgentID: actorID, Role: actor.Role, Op: "reject"}
	}
	mr, err := c.MergeQ.Reject(ctx, workspaceID, mergeID)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "merge.rejected", actorID, mergeID, nil)
	return mr, nil
}

// MarkMergeStalled flags a queued merge request as stalled. Health monitor
// use only.
func (c *Coordinator) MarkMergeStalled(ctx context.Context, workspaceID, mergeID string) (*protocol.MergeRequest, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	mr, err := c.MergeQ.MarkStalled(ctx, workspaceID, mergeID)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, workspaceID, "merge.stalled", "patrol", mergeID, nil)
	return mr, nil
}

// --- Progress ---

// ReportProgress appends a progress snapshot for a registered agent. The
// ledger is its own audit trail, so no separate event row is written.
func (c *Coordinator) ReportProgress(ctx context.Context, workspaceID string, p ledger.AppendParams) (*protocol.ProgressEntry, error) {
	if err := c.requireOpen(ctx, workspaceID); err != nil {
		return nil, err
	}
	if _, err := c.Registry.Get(ctx, workspaceID, p.AgentID); err != nil {
		return nil, err
	}
	return c.Ledger.Append(ctx, workspaceID, p)
}

// --- Helpers ---

// logEvent appends an audit row. Best-effort: an unwritable audit log never
// fails the operation it records.
func (c *Coordinator) logEvent(ctx context.Context, workspaceID, eventType, source, entityID string, payload any) {
	_ = c.Events.Append(ctx, workspaceID, eventType, source, entityID, payload)
}

func sourceOrCoordinator(actorID string) string {
	if actorID == "" {
		return "coordinator"
	}
	return actorID
}

func isNotFound(err error) bool {
	var nf *protocol.NotFoundError
	return errors.As(err, &nf)
}
