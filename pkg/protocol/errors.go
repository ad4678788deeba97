package protocol

import "fmt"

// NotFoundError reports an unknown workspace, agent, bead, message, or merge
// request id. Kind names the entity class for error messages and transport
// mapping. It enables typed discrimination via errors.As.
type NotFoundError struct {
	Kind string // "workspace" | "agent" | "bead" | "message" | "merge_request"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports the losing side of a concurrent claim or transition.
// The caller may retry with updated state.
type ConflictError struct {
	Kind   string
	ID     string
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Kind, e.ID, e.Detail)
	}
	return fmt.Sprintf("conflict on %s %s", e.Kind, e.ID)
}

// InvalidTransitionError reports a state-machine violation.
type InvalidTransitionError struct {
	Kind string
	ID   string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s on %s", e.Kind, e.From, e.To, e.ID)
}

// DepthExceededError reports a spawn that would exceed the configured
// hierarchy depth limit.
type DepthExceededError struct {
	ParentID string
	Depth    int // depth the child would have had
	Max      int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("spawn under %s would reach depth %d (max %d)", e.ParentID, e.Depth, e.Max)
}

// TestGateError reports a close-as-done attempted while the bead's most
// recent test status does not gate the done transition.
type TestGateError struct {
	BeadID     string
	TestStatus TestStatus
}

func (e *TestGateError) Error() string {
	return fmt.Sprintf("bead %s cannot close as done: test status is %s", e.BeadID, e.TestStatus)
}

// UnauthorizedError reports an operation attempted by an actor whose role or
// identity lacks permission (non-reviewer approving, non-assignee closing).
type UnauthorizedError struct {
	AgentID string
	Role    Role
	Op      string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("agent %s (role %s) not authorized for %s", e.AgentID, e.Role, e.Op)
}

// GateCondition names the unmet side of the merge gate.
type GateCondition string

// Merge gate conditions returned by TryMerge.
const (
	AwaitingReview GateCondition = "awaiting_review"
	AwaitingBuild  GateCondition = "awaiting_build"
)

// MergeGateError reports a tryMerge call whose gate (approved review and
// passing build, simultaneously) did not hold. The request stays open.
type MergeGateError struct {
	MergeRequestID string
	Unmet          GateCondition
}

func (e *MergeGateError) Error() string {
	return fmt.Sprintf("merge request %s not mergeable: %s", e.MergeRequestID, e.Unmet)
}
