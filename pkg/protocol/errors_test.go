package protocol //nolint:testpackage // white-box tests

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorDiscrimination(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("claim bead: %w", &ConflictError{Kind: "bead", ID: "b1", Detail: "already claimed"})

	var conflict *ConflictError
	if !errors.As(wrapped, &conflict) {
		t.Fatal("errors.As failed to find ConflictError")
	}
	if conflict.ID != "b1" {
		t.Errorf("unexpected id %q", conflict.ID)
	}

	var notFound *NotFoundError
	if errors.As(wrapped, &notFound) {
		t.Error("ConflictError must not match NotFoundError")
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{&NotFoundError{Kind: "workspace", ID: "ws1"}, "workspace ws1 not found"},
		{&InvalidTransitionError{Kind: "agent", ID: "a1", From: "spawned", To: "completed"},
			"invalid agent transition spawned -> completed on a1"},
		{&DepthExceededError{ParentID: "a1", Depth: 4, Max: 3},
			"spawn under a1 would reach depth 4 (max 3)"},
		{&TestGateError{BeadID: "b1", TestStatus: TestFailed},
			"bead b1 cannot close as done: test status is failed"},
		{&MergeGateError{MergeRequestID: "m1", Unmet: AwaitingReview},
			"merge request m1 not mergeable: awaiting_review"},
	}

	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}
