// Package protocol defines the shared domain types for the foreman
// coordinator: agent identity and lifecycle, bead work units, coordination
// messages, merge requests, progress entries, and the SQLite schema that
// backs them. It is imported by every store and carries no behavior beyond
// validation helpers.
package protocol

import "time"

// Role classifies an agent within a workspace hierarchy.
type Role string

// Agent role constants.
const (
	RoleMayor      Role = "mayor"      // top-level coordinator, escalation authority
	RoleDeacon     Role = "deacon"     // watchdog / patrol duty
	RoleRefinery   Role = "refinery"   // integrates completed work
	RoleReviewer   Role = "reviewer"   // reviews merge requests
	RoleWitness    Role = "witness"    // observes and verifies
	RoleSpecialist Role = "specialist" // performs assigned work
	RoleExplorer   Role = "explorer"   // scouts and declares new work
	RoleOther      Role = "other"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMayor, RoleDeacon, RoleRefinery, RoleReviewer,
		RoleWitness, RoleSpecialist, RoleExplorer, RoleOther:
		return true
	default:
		return false
	}
}

// CanReview reports whether the role may set review decisions on merge requests.
func (r Role) CanReview() bool {
	return r == RoleReviewer || r == RoleMayor
}

// HasEscalationAuthority reports whether the role may act on entities it
// does not own (close another agent's bead, terminate any agent).
func (r Role) HasEscalationAuthority() bool {
	return r == RoleMayor
}

// AgentState is an agent's lifecycle state.
type AgentState string

// Agent lifecycle constants.
const (
	AgentSpawned    AgentState = "spawned"
	AgentWorking    AgentState = "working"
	AgentBlocked    AgentState = "blocked"
	AgentCompleted  AgentState = "completed"
	AgentFailed     AgentState = "failed"
	AgentTerminated AgentState = "terminated"
)

// Valid reports whether s is a known agent state.
func (s AgentState) Valid() bool {
	switch s {
	case AgentSpawned, AgentWorking, AgentBlocked,
		AgentCompleted, AgentFailed, AgentTerminated:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> next is a legal lifecycle edge.
// Termination is not an edge here: it is an authority-bearing operation
// that may be applied to any live agent (see registry.Terminate).
func (s AgentState) CanTransition(next AgentState) bool {
	switch s {
	case AgentSpawned:
		return next == AgentWorking
	case AgentWorking:
		return next == AgentBlocked || next == AgentCompleted || next == AgentFailed
	case AgentBlocked:
		return next == AgentWorking
	case AgentCompleted, AgentFailed:
		return next == AgentTerminated
	default:
		return false
	}
}

// BeadStatus is a bead's lifecycle status.
type BeadStatus string

// Bead status constants.
const (
	BeadPending    BeadStatus = "pending"
	BeadInProgress BeadStatus = "in_progress"
	BeadDone       BeadStatus = "done"
	BeadFailed     BeadStatus = "failed"
	BeadBlocked    BeadStatus = "blocked"
)

// Valid reports whether s is a known bead status.
func (s BeadStatus) Valid() bool {
	switch s {
	case BeadPending, BeadInProgress, BeadDone, BeadFailed, BeadBlocked:
		return true
	default:
		return false
	}
}

// Closed reports whether the bead is terminally closed.
// Beads are never deleted, only closed.
func (s BeadStatus) Closed() bool {
	return s == BeadDone || s == BeadFailed
}

// TestStatus is the result state of a bead's most recent test run.
type TestStatus string

// Test status constants.
const (
	TestPending TestStatus = "pending"
	TestRunning TestStatus = "running"
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
)

// Valid reports whether t is a known test status.
func (t TestStatus) Valid() bool {
	switch t {
	case TestPending, TestRunning, TestPassed, TestFailed, TestSkipped:
		return true
	default:
		return false
	}
}

// GatesDone reports whether t satisfies the done-transition gate:
// a bead may only close as done with passed or explicitly skipped tests.
func (t TestStatus) GatesDone() bool {
	return t == TestPassed || t == TestSkipped
}

// MessageType classifies a coordination message.
type MessageType string

// Message type constants.
const (
	MsgStatus     MessageType = "status"
	MsgCompletion MessageType = "completion"
	MsgBlocker    MessageType = "blocker"
	MsgNudge      MessageType = "nudge"
	MsgEscalation MessageType = "escalation"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MsgStatus, MsgCompletion, MsgBlocker, MsgNudge, MsgEscalation:
		return true
	default:
		return false
	}
}

// ReviewStatus is a merge request's review state.
type ReviewStatus string

// Review status constants.
const (
	ReviewPending          ReviewStatus = "pending"
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewApproved, ReviewChangesRequested:
		return true
	default:
		return false
	}
}

// BuildStatus is a merge request's build pipeline state, reported by the
// external build collaborator.
type BuildStatus string

// Build status constants.
const (
	BuildPending BuildStatus = "pending"
	BuildPassed  BuildStatus = "passed"
	BuildFailed  BuildStatus = "failed"
)

// Valid reports whether s is a known build status.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildPending, BuildPassed, BuildFailed:
		return true
	default:
		return false
	}
}

// MergeStatus is a merge request's queue state.
type MergeStatus string

// Merge status constants.
const (
	MergeQueued   MergeStatus = "queued"
	MergeMerged   MergeStatus = "merged"
	MergeRejected MergeStatus = "rejected"
	MergeStalled  MergeStatus = "stalled" // set by the health monitor, never by the queue itself
)

// Valid reports whether s is a known merge status.
func (s MergeStatus) Valid() bool {
	switch s {
	case MergeQueued, MergeMerged, MergeRejected, MergeStalled:
		return true
	default:
		return false
	}
}

// Open reports whether the request can still be reviewed, built, or merged.
func (s MergeStatus) Open() bool {
	return s == MergeQueued || s == MergeStalled
}

// Workspace is an isolated coordination namespace. All entities belong to
// exactly one workspace and cross-workspace references are rejected.
type Workspace struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Agent is an autonomous worker unit. ParentID is a weak reference: the
// registry owns agent lifetimes, terminating a parent never cascades.
type Agent struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Name        string     `json:"name"`
	Role        Role       `json:"role"`
	Model       string     `json:"model,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	CanSpawn    bool       `json:"can_spawn"`
	SpawnDepth  int        `json:"spawn_depth"`
	State       AgentState `json:"state"`
	BranchRef   string     `json:"branch_ref,omitempty"` // opaque handle to the agent's working copy
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Bead is a discrete, independently assignable unit of declared work.
type Bead struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Title       string     `json:"title"`
	Status      BeadStatus `json:"status"`
	Assignee    string     `json:"assignee,omitempty"` // agent id; empty = unassigned
	TestStatus  TestStatus `json:"test_status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeadEvent is one entry in a bead's ordered status-change trail.
type BeadEvent struct {
	ID        int64      `json:"id"`
	BeadID    string     `json:"bead_id"`
	From      BeadStatus `json:"from"`
	To        BeadStatus `json:"to"`
	CreatedAt time.Time  `json:"created_at"`
}

// TestRun is one appended test result for a bead. Re-runs are permitted;
// the bead's TestStatus mirrors the most recent run.
type TestRun struct {
	ID        int64      `json:"id"`
	BeadID    string     `json:"bead_id"`
	Status    TestStatus `json:"status"`
	Command   string     `json:"command,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Message is an addressed coordination message. To may be an agent name or
// a role alias ("mayor"), resolved to the current holder at fetch time.
// Messages are immutable after creation except the Read flag.
type Message struct {
	ID          string      `json:"id"`
	Seq         int64       `json:"seq"` // per-workspace monotonic; preserves per-sender order
	WorkspaceID string      `json:"workspace_id"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content,omitempty"`
	Read        bool        `json:"read"`
	CreatedAt   time.Time   `json:"created_at"`
}

// MergeRequest is a submission of completed work gated by review and build.
type MergeRequest struct {
	ID           string       `json:"id"`
	WorkspaceID  string       `json:"workspace_id"`
	AgentID      string       `json:"agent_id"`
	BeadID       string       `json:"bead_id,omitempty"` // bead closed when the request merges
	BranchRef    string       `json:"branch_ref"`
	Title        string       `json:"title,omitempty"`
	Description  string       `json:"description,omitempty"`
	FilesChanged []string     `json:"files_changed,omitempty"`
	ReviewStatus ReviewStatus `json:"review_status"`
	BuildStatus  BuildStatus  `json:"build_status"`
	MergeStatus  MergeStatus  `json:"merge_status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// ProgressEntry is one append-only snapshot of an agent's progress. The
// health monitor reads only the most recent entry per agent; the full
// sequence is retained for audit.
type ProgressEntry struct {
	ID          int64     `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status,omitempty"`
	Completed   []string  `json:"completed,omitempty"`
	Next        []string  `json:"next,omitempty"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is a row in the coordinator's audit log.
type Event struct {
	ID          int64     `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Type        string    `json:"type"`
	Source      string    `json:"source"`
	EntityID    string    `json:"entity_id,omitempty"`
	Payload     string    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TimeFormat is the canonical timestamp encoding for all SQLite columns.
const TimeFormat = time.RFC3339Nano

// FormatTime encodes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime decodes a stored timestamp. Zero time on empty input.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(TimeFormat, s)
}
