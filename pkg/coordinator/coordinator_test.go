package coordinator //nolint:testpackage // white-box tests need the id and clock fields

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"foreman/pkg/events"
	"foreman/pkg/ledger"
	"foreman/pkg/mergeq"
	"foreman/pkg/protocol"

	_ "modernc.org/sqlite"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema: %v", err)
	}

	c := New(db, Config{MaxSpawnDepth: 3})
	seq := 0
	c.newID = func() string {
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	return c
}

func mustOpen(t *testing.T, c *Coordinator, id string) *protocol.Workspace {
	t.Helper()
	w, err := c.OpenWorkspace(context.Background(), id, "test workspace")
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	return w
}

func mustSpawn(t *testing.T, c *Coordinator, ws string, req SpawnRequest) *protocol.Agent {
	t.Helper()
	a, err := c.SpawnAgent(context.Background(), ws, req)
	if err != nil {
		t.Fatalf("spawn %s: %v", req.Name, err)
	}
	return a
}

func TestWorkspaceLifecycle(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	w := mustOpen(t, c, "")
	if w.ID == "" {
		t.Fatal("workspace id not generated")
	}

	// Reopening an open workspace is a no-op.
	again, err := c.OpenWorkspace(ctx, w.ID, "other name")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.Name != "test workspace" {
		t.Errorf("reopen replaced the row: name=%s", again.Name)
	}

	closed, err := c.CloseWorkspace(ctx, w.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.ClosedAt == nil {
		t.Fatal("closed_at not set")
	}
	if _, err := c.CloseWorkspace(ctx, w.ID); err != nil {
		t.Errorf("re-close: %v", err)
	}

	var conflict *protocol.ConflictError
	if _, err := c.OpenWorkspace(ctx, w.ID, ""); !errors.As(err, &conflict) {
		t.Errorf("reopen closed workspace: got %v, want ConflictError", err)
	}

	// Mutations on a closed workspace are rejected, reads still work.
	var notFound *protocol.NotFoundError
	if _, err := c.CreateBead(ctx, w.ID, "late work"); !errors.As(err, &notFound) {
		t.Errorf("create bead on closed workspace: got %v, want NotFoundError", err)
	}
	if _, err := c.Workspace(ctx, w.ID); err != nil {
		t.Errorf("read closed workspace: %v", err)
	}
}

func TestConcurrentOpenWorkspaceSameID(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.OpenWorkspace(ctx, "ws1", "shared")
		}()
	}
	wg.Wait()

	// Every caller gets the open workspace, losers of the insert included.
	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	wss, err := c.ListWorkspaces(ctx)
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}
	if len(wss) != 1 {
		t.Errorf("workspaces: got %d, want 1", len(wss))
	}
}

func TestUnknownWorkspaceRejected(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	var notFound *protocol.NotFoundError
	if _, err := c.CreateBead(context.Background(), "nope", "work"); !errors.As(err, &notFound) {
		t.Errorf("unknown workspace: got %v, want NotFoundError", err)
	}
}

func TestSpawnHierarchyDepth(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	parent := mustSpawn(t, c, ws, SpawnRequest{Name: "gracie", Role: protocol.RoleMayor, CanSpawn: true})
	child := parent
	for i := 1; i <= 3; i++ {
		child = mustSpawn(t, c, ws, SpawnRequest{
			ParentID: child.ID, Name: fmt.Sprintf("worker-%d", i),
			Role: protocol.RoleSpecialist, CanSpawn: true,
		})
		if child.SpawnDepth != i {
			t.Errorf("depth at level %d: got %d", i, child.SpawnDepth)
		}
	}

	var depth *protocol.DepthExceededError
	_, err := c.SpawnAgent(ctx, ws, SpawnRequest{
		ParentID: child.ID, Name: "too-deep", Role: protocol.RoleSpecialist,
	})
	if !errors.As(err, &depth) {
		t.Errorf("spawn past limit: got %v, want DepthExceededError", err)
	}
}

func TestTerminateAuthority(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	mayor := mustSpawn(t, c, ws, SpawnRequest{Name: "gracie", Role: protocol.RoleMayor, CanSpawn: true})
	worker := mustSpawn(t, c, ws, SpawnRequest{ParentID: mayor.ID, Name: "worker", Role: protocol.RoleSpecialist})
	other := mustSpawn(t, c, ws, SpawnRequest{ParentID: mayor.ID, Name: "bystander", Role: protocol.RoleSpecialist})

	var unauthorized *protocol.UnauthorizedError
	if _, err := c.TerminateAgent(ctx, ws, other.ID, worker.ID); !errors.As(err, &unauthorized) {
		t.Errorf("sibling terminate: got %v, want UnauthorizedError", err)
	}

	// The parent may terminate its child.
	a, err := c.TerminateAgent(ctx, ws, mayor.ID, worker.ID)
	if err != nil {
		t.Fatalf("parent terminate: %v", err)
	}
	if a.State != protocol.AgentTerminated {
		t.Errorf("state after terminate: %s", a.State)
	}

	// An agent may terminate itself.
	if _, err := c.TerminateAgent(ctx, ws, other.ID, other.ID); err != nil {
		t.Errorf("self terminate: %v", err)
	}
}

func TestTerminateReleasesBeads(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	mayor := mustSpawn(t, c, ws, SpawnRequest{Name: "gracie", Role: protocol.RoleMayor, CanSpawn: true})
	worker := mustSpawn(t, c, ws, SpawnRequest{ParentID: mayor.ID, Name: "worker", Role: protocol.RoleSpecialist})

	b, err := c.CreateBead(ctx, ws, "wire the frobnicator")
	if err != nil {
		t.Fatalf("create bead: %v", err)
	}
	if _, err := c.ClaimBead(ctx, ws, b.ID, worker.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if _, err := c.TerminateAgent(ctx, ws, mayor.ID, worker.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	got, err := c.Beads.Get(ctx, ws, b.ID)
	if err != nil {
		t.Fatalf("get bead: %v", err)
	}
	if got.Status != protocol.BeadPending || got.Assignee != "" {
		t.Errorf("bead after terminate: status=%s assignee=%s", got.Status, got.Assignee)
	}

	// A terminated agent cannot claim new work.
	var unauthorized *protocol.UnauthorizedError
	if _, err := c.ClaimBead(ctx, ws, b.ID, worker.ID); !errors.As(err, &unauthorized) {
		t.Errorf("claim by terminated agent: got %v, want UnauthorizedError", err)
	}
}

func TestTerminateReleasesBlockedBeads(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	mayor := mustSpawn(t, c, ws, SpawnRequest{Name: "gracie", Role: protocol.RoleMayor, CanSpawn: true})
	worker := mustSpawn(t, c, ws, SpawnRequest{ParentID: mayor.ID, Name: "worker", Role: protocol.RoleSpecialist})

	b, err := c.CreateBead(ctx, ws, "untangle the dependency graph")
	if err != nil {
		t.Fatalf("create bead: %v", err)
	}
	if _, err := c.ClaimBead(ctx, ws, b.ID, worker.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The assignee hits a wall and parks the bead before dying.
	if _, err := c.SetBeadStatus(ctx, ws, b.ID, worker.ID, protocol.BeadBlocked); err != nil {
		t.Fatalf("set blocked: %v", err)
	}

	if _, err := c.TerminateAgent(ctx, ws, mayor.ID, worker.ID); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	got, err := c.Beads.Get(ctx, ws, b.ID)
	if err != nil {
		t.Fatalf("get bead: %v", err)
	}
	if got.Status != protocol.BeadPending || got.Assignee != "" {
		t.Errorf("blocked bead after terminate: status=%s assignee=%s", got.Status, got.Assignee)
	}

	// The freed bead is claimable by a successor.
	heir := mustSpawn(t, c, ws, SpawnRequest{ParentID: mayor.ID, Name: "heir", Role: protocol.RoleSpecialist})
	if _, err := c.ClaimBead(ctx, ws, b.ID, heir.ID); err != nil {
		t.Errorf("reclaim released bead: %v", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID
	mustSpawn(t, c, ws, SpawnRequest{Name: "worker", Role: protocol.RoleSpecialist})

	var notFound *protocol.NotFoundError
	_, err := c.SendMessage(ctx, ws, SendRequest{From: "ghost", To: "worker", Type: protocol.MsgStatus})
	if !errors.As(err, &notFound) {
		t.Errorf("unknown sender: got %v, want NotFoundError", err)
	}
	_, err = c.SendMessage(ctx, ws, SendRequest{From: "worker", To: "ghost", Type: protocol.MsgStatus})
	if !errors.As(err, &notFound) {
		t.Errorf("unknown recipient: got %v, want NotFoundError", err)
	}

	// A role alias is addressable before any holder exists.
	if _, err := c.SendMessage(ctx, ws, SendRequest{From: "worker", To: "mayor", Type: protocol.MsgEscalation}); err != nil {
		t.Errorf("role alias recipient: %v", err)
	}
}

func TestInboxResolvesRoleAlias(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID
	mustSpawn(t, c, ws, SpawnRequest{Name: "gracie", Role: protocol.RoleMayor, CanSpawn: true})
	mustSpawn(t, c, ws, SpawnRequest{Name: "worker", Role: protocol.RoleSpecialist})

	if _, err := c.SendMessage(ctx, ws, SendRequest{From: "worker", To: "mayor", Type: protocol.MsgEscalation, Content: "stuck"}); err != nil {
		t.Fatalf("send to role: %v", err)
	}
	if _, err := c.SendMessage(ctx, ws, SendRequest{From: "worker", To: "gracie", Type: protocol.MsgStatus, Content: "hi"}); err != nil {
		t.Fatalf("send to name: %v", err)
	}

	inbox, err := c.FetchInbox(ctx, ws, "gracie")
	if err != nil {
		t.Fatalf("fetch inbox: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("inbox size: got %d, want 2", len(inbox))
	}

	// Fetching does not consume.
	again, err := c.FetchInbox(ctx, ws, "gracie")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(again) != 2 {
		t.Errorf("refetch size: got %d, want 2", len(again))
	}

	if err := c.MarkMessageRead(ctx, ws, inbox[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	after, err := c.FetchInbox(ctx, ws, "gracie")
	if err != nil {
		t.Fatalf("fetch after read: %v", err)
	}
	if len(after) != 1 {
		t.Errorf("inbox after read: got %d, want 1", len(after))
	}
}

func TestReviewAuthority(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	worker := mustSpawn(t, c, ws, SpawnRequest{Name: "worker", Role: protocol.RoleSpecialist})
	reviewer := mustSpawn(t, c, ws, SpawnRequest{Name: "ray", Role: protocol.RoleReviewer})

	mr, err := c.SubmitMerge(ctx, ws, mergeq.SubmitParams{AgentID: worker.ID, BranchRef: "work/x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var unauthorized *protocol.UnauthorizedError
	if _, err := c.ReviewMerge(ctx, ws, mr.ID, worker.ID, protocol.ReviewApproved); !errors.As(err, &unauthorized) {
		t.Errorf("self-review: got %v, want UnauthorizedError", err)
	}
	if _, err := c.ReviewMerge(ctx, ws, mr.ID, reviewer.ID, protocol.ReviewApproved); err != nil {
		t.Errorf("reviewer approve: %v", err)
	}
}

func TestMergeClosesLinkedBead(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	worker := mustSpawn(t, c, ws, SpawnRequest{Name: "worker", Role: protocol.RoleSpecialist})
	reviewer := mustSpawn(t, c, ws, SpawnRequest{Name: "ray", Role: protocol.RoleReviewer})

	b, err := c.CreateBead(ctx, ws, "wire the frobnicator")
	if err != nil {
		t.Fatalf("create bead: %v", err)
	}
	if _, err := c.ClaimBead(ctx, ws, b.ID, worker.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := c.RecordTest(ctx, ws, b.ID, protocol.TestPassed, "go test ./..."); err != nil {
		t.Fatalf("record test: %v", err)
	}

	mr, err := c.SubmitMerge(ctx, ws, mergeq.SubmitParams{AgentID: worker.ID, BeadID: b.ID, BranchRef: "work/x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.ReportBuild(ctx, ws, mr.ID, protocol.BuildPassed); err != nil {
		t.Fatalf("report build: %v", err)
	}
	if _, err := c.ReviewMerge(ctx, ws, mr.ID, reviewer.ID, protocol.ReviewApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	merged, err := c.TryMerge(ctx, ws, mr.ID)
	if err != nil {
		t.Fatalf("try merge: %v", err)
	}
	if merged.MergeStatus != protocol.MergeMerged {
		t.Errorf("merge status: %s", merged.MergeStatus)
	}

	got, err := c.Beads.Get(ctx, ws, b.ID)
	if err != nil {
		t.Fatalf("get bead: %v", err)
	}
	if got.Status != protocol.BeadDone {
		t.Errorf("linked bead: got %s, want done", got.Status)
	}
}

func TestMergeBeadCloseFailureIsLoggedNotFatal(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	worker := mustSpawn(t, c, ws, SpawnRequest{Name: "worker", Role: protocol.RoleSpecialist})
	reviewer := mustSpawn(t, c, ws, SpawnRequest{Name: "ray", Role: protocol.RoleReviewer})

	// Bead claimed but tests never ran: the close gate will refuse.
	b, err := c.CreateBead(ctx, ws, "wire the frobnicator")
	if err != nil {
		t.Fatalf("create bead: %v", err)
	}
	if _, err := c.ClaimBead(ctx, ws, b.ID, worker.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	mr, err := c.SubmitMerge(ctx, ws, mergeq.SubmitParams{AgentID: worker.ID, BeadID: b.ID, BranchRef: "work/x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.ReportBuild(ctx, ws, mr.ID, protocol.BuildPassed); err != nil {
		t.Fatalf("report build: %v", err)
	}
	if _, err := c.ReviewMerge(ctx, ws, mr.ID, reviewer.ID, protocol.ReviewApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	merged, err := c.TryMerge(ctx, ws, mr.ID)
	if err != nil {
		t.Fatalf("try merge: %v", err)
	}
	if merged.MergeStatus != protocol.MergeMerged {
		t.Errorf("merge status: %s", merged.MergeStatus)
	}

	got, err := c.Beads.Get(ctx, ws, b.ID)
	if err != nil {
		t.Fatalf("get bead: %v", err)
	}
	if got.Status != protocol.BeadInProgress {
		t.Errorf("gated bead must stay open, got %s", got.Status)
	}

	failures, err := c.Events.Query(ctx, ws, events.QueryOpts{Type: "merge.bead_close_failed"})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(failures) != 1 {
		t.Errorf("close-failed events: got %d, want 1", len(failures))
	}
}

func TestProgressRequiresRegisteredAgent(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID
	a := mustSpawn(t, c, ws, SpawnRequest{Name: "worker", Role: protocol.RoleSpecialist})

	var notFound *protocol.NotFoundError
	if _, err := c.ReportProgress(ctx, ws, ledger.AppendParams{AgentID: "ghost", Status: "working"}); !errors.As(err, &notFound) {
		t.Errorf("progress for unknown agent: got %v, want NotFoundError", err)
	}
	if _, err := c.ReportProgress(ctx, ws, ledger.AppendParams{AgentID: a.ID, Status: "working"}); err != nil {
		t.Errorf("progress: %v", err)
	}
}

func TestEnsureAgentIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID

	first, err := c.EnsureAgent(ctx, ws, "patrol", protocol.RoleDeacon)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := c.EnsureAgent(ctx, ws, "patrol", protocol.RoleDeacon)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("ensure created a second agent: %s vs %s", first.ID, second.ID)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()
	ws := mustOpen(t, c, "ws1").ID
	mustSpawn(t, c, ws, SpawnRequest{Name: "worker", Role: protocol.RoleSpecialist})
	if _, err := c.CreateBead(ctx, ws, "work"); err != nil {
		t.Fatalf("create bead: %v", err)
	}

	evs, err := c.Events.Query(ctx, ws, events.QueryOpts{})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	types := make(map[string]int)
	for _, ev := range evs {
		types[ev.Type]++
	}
	for _, want := range []string{"workspace.opened", "agent.spawned", "bead.created"} {
		if types[want] == 0 {
			t.Errorf("missing audit event %s (got %v)", want, types)
		}
	}
}
