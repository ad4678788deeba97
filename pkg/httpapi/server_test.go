package httpapi //nolint:testpackage // helpers reach into the server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"

	_ "modernc.org/sqlite"
)

func newTestServer(t *testing.T) *Server {
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
	return NewServer(coordinator.New(db, coordinator.Config{MaxSpawnDepth: 2}))
}

// do issues a request and decodes the JSON response into a generic map.
func do(t *testing.T, s *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			// Arrays come back for list endpoints; callers use doList.
			decoded = nil
		}
	}
	return rec.Code, decoded
}

func doList(t *testing.T, s *Server, path string) (int, []map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var items []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode list from %s: %v (body %q)", path, err, rec.Body.String())
	}
	return rec.Code, items
}

func openWorkspace(t *testing.T, s *Server) string {
	t.Helper()
	code, body := do(t, s, http.MethodPost, "/v1/workspaces", map[string]string{"name": "api test"})
	if code != http.StatusCreated {
		t.Fatalf("open workspace: status %d %v", code, body)
	}
	return body["id"].(string)
}

func spawnAgent(t *testing.T, s *Server, ws string, req map[string]any) map[string]any {
	t.Helper()
	code, body := do(t, s, http.MethodPost, "/v1/workspaces/"+ws+"/agents", req)
	if code != http.StatusCreated {
		t.Fatalf("spawn agent: status %d %v", code, body)
	}
	return body
}

func TestWorkspaceRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ws := openWorkspace(t, s)

	code, body := do(t, s, http.MethodGet, "/v1/workspaces/"+ws, nil)
	if code != http.StatusOK || body["name"] != "api test" {
		t.Errorf("get workspace: status %d %v", code, body)
	}

	code, items := doList(t, s, "/v1/workspaces")
	if code != http.StatusOK || len(items) != 1 {
		t.Errorf("list workspaces: status %d %v", code, items)
	}

	code, body = do(t, s, http.MethodDelete, "/v1/workspaces/"+ws, nil)
	if code != http.StatusOK || body["closed_at"] == nil {
		t.Errorf("close workspace: status %d %v", code, body)
	}

	code, _ = do(t, s, http.MethodPost, "/v1/workspaces/"+ws+"/beads", map[string]string{"title": "late"})
	if code != http.StatusNotFound {
		t.Errorf("mutation on closed workspace: status %d, want 404", code)
	}

	code, _ = do(t, s, http.MethodGet, "/v1/workspaces/nope", nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown workspace: status %d, want 404", code)
	}
}

func TestBeadLifecycleRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ws := openWorkspace(t, s)
	agentA := spawnAgent(t, s, ws, map[string]any{"name": "alice", "role": "specialist"})["id"].(string)
	agentC := spawnAgent(t, s, ws, map[string]any{"name": "carol", "role": "specialist"})["id"].(string)

	code, bead := do(t, s, http.MethodPost, "/v1/workspaces/"+ws+"/beads", map[string]string{"title": "wire the frobnicator"})
	if code != http.StatusCreated {
		t.Fatalf("create bead: status %d %v", code, bead)
	}
	beadID := bead["id"].(string)
	base := "/v1/workspaces/" + ws + "/beads/" + beadID

	code, _ = do(t, s, http.MethodPost, base+"/claim", map[string]string{"agent_id": agentA})
	if code != http.StatusOK {
		t.Fatalf("claim: status %d", code)
	}
	code, body := do(t, s, http.MethodPost, base+"/claim", map[string]string{"agent_id": agentC})
	if code != http.StatusConflict {
		t.Errorf("second claim: status %d %v, want 409", code, body)
	}

	// Closing as done before any test run trips the gate.
	code, body = do(t, s, http.MethodPost, base+"/close", map[string]string{"actor_id": agentA, "status": "done"})
	if code != http.StatusConflict || body["test_status"] != "pending" {
		t.Errorf("gated close: status %d %v, want 409 with test_status", code, body)
	}

	code, _ = do(t, s, http.MethodPost, base+"/tests", map[string]string{"status": "passed", "command": "go test ./..."})
	if code != http.StatusCreated {
		t.Fatalf("record test: status %d", code)
	}

	// A non-assignee may not close.
	code, _ = do(t, s, http.MethodPost, base+"/close", map[string]string{"actor_id": agentC, "status": "done"})
	if code != http.StatusForbidden {
		t.Errorf("close by non-assignee: status %d, want 403", code)
	}

	code, body = do(t, s, http.MethodPost, base+"/close", map[string]string{"actor_id": agentA, "status": "done"})
	if code != http.StatusOK || body["status"] != "done" {
		t.Fatalf("close: status %d %v", code, body)
	}

	// Closed beads reject further transitions.
	code, _ = do(t, s, http.MethodPost, base+"/close", map[string]string{"actor_id": agentA, "status": "failed"})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("close after close: status %d, want 422", code)
	}

	code, hist := doList(t, s, base+"/history")
	if code != http.StatusOK || len(hist) != 2 {
		t.Errorf("history: status %d entries %d, want 2", code, len(hist))
	}

	code, _ = do(t, s, http.MethodGet, "/v1/workspaces/"+ws+"/beads/nope", nil)
	if code != http.StatusNotFound {
		t.Errorf("unknown bead: status %d, want 404", code)
	}
}

func TestMergeRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ws := openWorkspace(t, s)
	worker := spawnAgent(t, s, ws, map[string]any{"name": "worker", "role": "specialist"})["id"].(string)
	reviewer := spawnAgent(t, s, ws, map[string]any{"name": "ray", "role": "reviewer"})["id"].(string)

	code, mr := do(t, s, http.MethodPost, "/v1/workspaces/"+ws+"/merges", map[string]any{
		"agent_id": worker, "branch_ref": "work/x", "files_changed": []string{"a.go"},
	})
	if code != http.StatusCreated {
		t.Fatalf("submit: status %d %v", code, mr)
	}
	base := "/v1/workspaces/" + ws + "/merges/" + mr["id"].(string)

	code, _ = do(t, s, http.MethodPost, base+"/build", map[string]string{"status": "passed"})
	if code != http.StatusOK {
		t.Fatalf("build: status %d", code)
	}

	code, body := do(t, s, http.MethodPost, base+"/merge", nil)
	if code != http.StatusConflict || body["unmet"] != "awaiting_review" {
		t.Errorf("premature merge: status %d %v, want 409 awaiting_review", code, body)
	}

	// Only reviewers and the mayor may review.
	code, _ = do(t, s, http.MethodPost, base+"/review", map[string]string{"actor_id": worker, "status": "approved"})
	if code != http.StatusForbidden {
		t.Errorf("self-review: status %d, want 403", code)
	}
	code, _ = do(t, s, http.MethodPost, base+"/review", map[string]string{"actor_id": reviewer, "status": "approved"})
	if code != http.StatusOK {
		t.Fatalf("review: status %d", code)
	}

	code, body = do(t, s, http.MethodPost, base+"/merge", nil)
	if code != http.StatusOK || body["merge_status"] != "merged" {
		t.Errorf("merge: status %d %v", code, body)
	}
}

func TestSpawnDepthMapsTo422(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ws := openWorkspace(t, s)

	parent := spawnAgent(t, s, ws, map[string]any{"name": "root", "role": "mayor", "can_spawn": true})["id"].(string)
	for i := 1; i <= 2; i++ {
		parent = spawnAgent(t, s, ws, map[string]any{
			"name": fmt.Sprintf("child-%d", i), "parent_id": parent, "role": "specialist", "can_spawn": true,
		})["id"].(string)
	}
	code, _ := do(t, s, http.MethodPost, "/v1/workspaces/"+ws+"/agents", map[string]any{
		"name": "too-deep", "parent_id": parent, "role": "specialist",
	})
	if code != http.StatusUnprocessableEntity {
		t.Errorf("spawn past depth: status %d, want 422", code)
	}
}

func TestMessagesAndInboxRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ws := openWorkspace(t, s)
	mayor := spawnAgent(t, s, ws, map[string]any{"name": "gracie", "role": "mayor", "can_spawn": true})["id"].(string)
	spawnAgent(t, s, ws, map[string]any{"name": "worker", "role": "specialist"})

	code, msg := do(t, s, http.MethodPost, "/v1/workspaces/"+ws+"/messages", map[string]string{
		"from": "worker", "to": "mayor", "type": "escalation", "content": "stuck on review",
	})
	if code != http.StatusCreated {
		t.Fatalf("send: status %d %v", code, msg)
	}

	code, inbox := doList(t, s, "/v1/workspaces/"+ws+"/agents/"+mayor+"/inbox")
	if code != http.StatusOK || len(inbox) != 1 {
		t.Fatalf("inbox: status %d entries %d", code, len(inbox))
	}

	code, _ = do(t, s, http.MethodPost,
		"/v1/workspaces/"+ws+"/messages/"+msg["id"].(string)+"/read", nil)
	if code != http.StatusNoContent {
		t.Errorf("mark read: status %d, want 204", code)
	}
	_, inbox = doList(t, s, "/v1/workspaces/"+ws+"/agents/"+mayor+"/inbox")
	if len(inbox) != 0 {
		t.Errorf("inbox after read: %d entries, want 0", len(inbox))
	}
}

func TestProgressAndEventsRoutes(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ws := openWorkspace(t, s)
	agent := spawnAgent(t, s, ws, map[string]any{"name": "worker", "role": "specialist"})["id"].(string)

	code, _ := do(t, s, http.MethodPost, "/v1/workspaces/"+ws+"/progress", map[string]any{
		"agent_id": agent, "status": "working", "completed": []string{"step 1"},
	})
	if code != http.StatusCreated {
		t.Fatalf("report progress: status %d", code)
	}

	code, entry := do(t, s, http.MethodGet, "/v1/workspaces/"+ws+"/progress/"+agent, nil)
	if code != http.StatusOK || entry["status"] != "working" {
		t.Errorf("latest progress: status %d %v", code, entry)
	}

	code, evs := doList(t, s, "/v1/workspaces/"+ws+"/events?type=agent.spawned")
	if code != http.StatusOK || len(evs) != 1 {
		t.Errorf("events: status %d entries %d, want 1", code, len(evs))
	}
}

func TestListOnUnknownWorkspaceIs404(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	for _, path := range []string{
		"/v1/workspaces/ghost/agents",
		"/v1/workspaces/ghost/beads",
		"/v1/workspaces/ghost/messages",
		"/v1/workspaces/ghost/merges",
		"/v1/workspaces/ghost/progress",
		"/v1/workspaces/ghost/events",
	} {
		if code, _ := do(t, s, http.MethodGet, path, nil); code != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", path, code)
		}
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ws := openWorkspace(t, s)

	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/"+ws+"/beads",
		bytes.NewBufferString(`{"title": `))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d, want 400", rec.Code)
	}
}
