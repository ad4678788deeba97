// Package httpapi exposes the coordinator over HTTP+JSON. Routing uses the
// standard library mux with method patterns; every handler decodes a small
// request struct, calls one coordinator operation, and maps typed errors to
// status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"foreman/pkg/beads"
	"foreman/pkg/coordinator"
	"foreman/pkg/events"
	"foreman/pkg/ledger"
	"foreman/pkg/mailbox"
	"foreman/pkg/mergeq"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"
)

// Server routes API requests to a Coordinator.
type Server struct {
	coord *coordinator.Coordinator
	mux   *http.ServeMux
}

// NewServer builds the route table.
func NewServer(coord *coordinator.Coordinator) *Server {
	s := &Server{coord: coord, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /v1/workspaces", s.openWorkspace)
	s.mux.HandleFunc("GET /v1/workspaces", s.listWorkspaces)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}", s.getWorkspace)
	s.mux.HandleFunc("DELETE /v1/workspaces/{ws}", s.closeWorkspace)

	s.mux.HandleFunc("POST /v1/workspaces/{ws}/agents", s.spawnAgent)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/agents", s.listAgents)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/agents/{id}", s.getAgent)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/agents/{id}/transition", s.transitionAgent)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/agents/{id}/terminate", s.terminateAgent)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/agents/{id}/inbox", s.fetchInbox)

	s.mux.HandleFunc("POST /v1/workspaces/{ws}/beads", s.createBead)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/beads", s.listBeads)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/beads/{id}", s.getBead)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/beads/{id}/claim", s.claimBead)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/beads/{id}/tests", s.recordTest)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/beads/{id}/tests", s.listTests)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/beads/{id}/close", s.closeBead)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/beads/{id}/status", s.setBeadStatus)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/beads/{id}/history", s.beadHistory)

	s.mux.HandleFunc("POST /v1/workspaces/{ws}/messages", s.sendMessage)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/messages", s.listMessages)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/messages/{id}/read", s.markRead)

	s.mux.HandleFunc("POST /v1/workspaces/{ws}/merges", s.submitMerge)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/merges", s.listMerges)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/merges/{id}", s.getMerge)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/merges/{id}/review", s.reviewMerge)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/merges/{id}/build", s.reportBuild)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/merges/{id}/merge", s.tryMerge)
	s.mux.HandleFunc("POST /v1/workspaces/{ws}/merges/{id}/reject", s.rejectMerge)

	s.mux.HandleFunc("POST /v1/workspaces/{ws}/progress", s.reportProgress)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/progress", s.latestProgress)
	s.mux.HandleFunc("GET /v1/workspaces/{ws}/progress/{agent}", s.agentProgress)

	s.mux.HandleFunc("GET /v1/workspaces/{ws}/events", s.listEvents)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// --- Workspaces ---

func (s *Server) openWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if !decode(w, r, &req) {
		return
	}
	ws, err := s.coord.OpenWorkspace(r.Context(), req.ID, req.Name)
	respond(w, http.StatusCreated, ws, err)
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	wss, err := s.coord.ListWorkspaces(r.Context())
	respondList(w, wss, err)
}

func (s *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.coord.Workspace(r.Context(), r.PathValue("ws"))
	respond(w, http.StatusOK, ws, err)
}

func (s *Server) closeWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.coord.CloseWorkspace(r.Context(), r.PathValue("ws"))
	respond(w, http.StatusOK, ws, err)
}

// --- Agents ---

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID  string `json:"parent_id"`
		Name      string `json:"name"`
		Role      string `json:"role"`
		Model     string `json:"model"`
		CanSpawn  bool   `json:"can_spawn"`
		BranchRef string `json:"branch_ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.coord.SpawnAgent(r.Context(), r.PathValue("ws"), coordinator.SpawnRequest{
		ParentID:  req.ParentID,
		Name:      req.Name,
		Role:      protocol.Role(req.Role),
		Model:     req.Model,
		CanSpawn:  req.CanSpawn,
		BranchRef: req.BranchRef,
	})
	respond(w, http.StatusCreated, a, err)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if !s.workspaceKnown(w, r) {
		return
	}
	q := r.URL.Query()
	agents, err := s.coord.Registry.List(r.Context(), r.PathValue("ws"), registry.Filter{
		Role:              protocol.Role(q.Get("role")),
		State:             protocol.AgentState(q.Get("state")),
		ExcludeTerminated: q.Get("exclude_terminated") == "true",
		ParentID:          q.Get("parent_id"),
	})
	respondList(w, agents, err)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.coord.Registry.Get(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	respond(w, http.StatusOK, a, err)
}

func (s *Server) transitionAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.coord.TransitionAgent(r.Context(), r.PathValue("ws"), r.PathValue("id"),
		protocol.AgentState(req.State))
	respond(w, http.StatusOK, a, err)
}

func (s *Server) terminateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.coord.TerminateAgent(r.Context(), r.PathValue("ws"), req.ActorID, r.PathValue("id"))
	respond(w, http.StatusOK, a, err)
}

func (s *Server) fetchInbox(w http.ResponseWriter, r *http.Request) {
	ws := r.PathValue("ws")
	a, err := s.coord.Registry.Get(r.Context(), ws, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.coord.FetchInbox(r.Context(), ws, a.Name)
	respondList(w, msgs, err)
}

// --- Beads ---

func (s *Server) createBead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	b, err := s.coord.CreateBead(r.Context(), r.PathValue("ws"), req.Title)
	respond(w, http.StatusCreated, b, err)
}

func (s *Server) listBeads(w http.ResponseWriter, r *http.Request) {
	if !s.workspaceKnown(w, r) {
		return
	}
	q := r.URL.Query()
	bs, err := s.coord.Beads.List(r.Context(), r.PathValue("ws"), beads.Filter{
		Status:   protocol.BeadStatus(q.Get("status")),
		Assignee: q.Get("assignee"),
	})
	respondList(w, bs, err)
}

func (s *Server) getBead(w http.ResponseWriter, r *http.Request) {
	b, err := s.coord.Beads.Get(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	respond(w, http.StatusOK, b, err)
}

func (s *Server) claimBead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	b, err := s.coord.ClaimBead(r.Context(), r.PathValue("ws"), r.PathValue("id"), req.AgentID)
	respond(w, http.StatusOK, b, err)
}

func (s *Server) recordTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status  string `json:"status"`
		Command string `json:"command"`
	}
	if !decode(w, r, &req) {
		return
	}
	run, err := s.coord.RecordTest(r.Context(), r.PathValue("ws"), r.PathValue("id"),
		protocol.TestStatus(req.Status), req.Command)
	respond(w, http.StatusCreated, run, err)
}

func (s *Server) listTests(w http.ResponseWriter, r *http.Request) {
	runs, err := s.coord.Beads.TestRuns(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	respondList(w, runs, err)
}

func (s *Server) closeBead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Status  string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	b, err := s.coord.CloseBead(r.Context(), r.PathValue("ws"), r.PathValue("id"),
		req.ActorID, protocol.BeadStatus(req.Status))
	respond(w, http.StatusOK, b, err)
}

func (s *Server) setBeadStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Status  string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	b, err := s.coord.SetBeadStatus(r.Context(), r.PathValue("ws"), r.PathValue("id"),
		req.ActorID, protocol.BeadStatus(req.Status))
	respond(w, http.StatusOK, b, err)
}

func (s *Server) beadHistory(w http.ResponseWriter, r *http.Request) {
	evs, err := s.coord.Beads.History(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	respondList(w, evs, err)
}

// --- Messages ---

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := s.coord.SendMessage(r.Context(), r.PathValue("ws"), coordinator.SendRequest{
		From: req.From, To: req.To, Type: protocol.MessageType(req.Type), Content: req.Content,
	})
	respond(w, http.StatusCreated, m, err)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if !s.workspaceKnown(w, r) {
		return
	}
	q := r.URL.Query()
	msgs, err := s.coord.Mailbox.List(r.Context(), r.PathValue("ws"), mailbox.Filter{
		From:       q.Get("from"),
		To:         q.Get("to"),
		Type:       protocol.MessageType(q.Get("type")),
		UnreadOnly: q.Get("unread") == "true",
	})
	respondList(w, msgs, err)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	err := s.coord.MarkMessageRead(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Merge queue ---

func (s *Server) submitMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string   `json:"agent_id"`
		BeadID       string   `json:"bead_id"`
		BranchRef    string   `json:"branch_ref"`
		Title        string   `json:"title"`
		Description  string   `json:"description"`
		FilesChanged []string `json:"files_changed"`
	}
	if !decode(w, r, &req) {
		return
	}
	mr, err := s.coord.SubmitMerge(r.Context(), r.PathValue("ws"), mergeq.SubmitParams{
		AgentID:      req.AgentID,
		BeadID:       req.BeadID,
		BranchRef:    req.BranchRef,
		Title:        req.Title,
		Description:  req.Description,
		FilesChanged: req.FilesChanged,
	})
	respond(w, http.StatusCreated, mr, err)
}

func (s *Server) listMerges(w http.ResponseWriter, r *http.Request) {
	if !s.workspaceKnown(w, r) {
		return
	}
	q := r.URL.Query()
	mrs, err := s.coord.MergeQ.List(r.Context(), r.PathValue("ws"), mergeq.Filter{
		AgentID:     q.Get("agent_id"),
		MergeStatus: protocol.MergeStatus(q.Get("status")),
		OpenOnly:    q.Get("open") == "true",
	})
	respondList(w, mrs, err)
}

func (s *Server) getMerge(w http.ResponseWriter, r *http.Request) {
	mr, err := s.coord.MergeQ.Get(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	respond(w, http.StatusOK, mr, err)
}

func (s *Server) reviewMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
		Status  string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	mr, err := s.coord.ReviewMerge(r.Context(), r.PathValue("ws"), r.PathValue("id"),
		req.ActorID, protocol.ReviewStatus(req.Status))
	respond(w, http.StatusOK, mr, err)
}

func (s *Server) reportBuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	mr, err := s.coord.ReportBuild(r.Context(), r.PathValue("ws"), r.PathValue("id"),
		protocol.BuildStatus(req.Status))
	respond(w, http.StatusOK, mr, err)
}

func (s *Server) tryMerge(w http.ResponseWriter, r *http.Request) {
	mr, err := s.coord.TryMerge(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	respond(w, http.StatusOK, mr, err)
}

func (s *Server) rejectMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActorID string `json:"actor_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	mr, err := s.coord.RejectMerge(r.Context(), r.PathValue("ws"), r.PathValue("id"), req.ActorID)
	respond(w, http.StatusOK, mr, err)
}

// --- Progress ---

func (s *Server) reportProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID   string   `json:"agent_id"`
		Status    string   `json:"status"`
		Completed []string `json:"completed"`
		Next      []string `json:"next"`
		Artifacts []string `json:"artifacts"`
	}
	if !decode(w, r, &req) {
		return
	}
	e, err := s.coord.ReportProgress(r.Context(), r.PathValue("ws"), ledger.AppendParams{
		AgentID:   req.AgentID,
		Status:    req.Status,
		Completed: req.Completed,
		Next:      req.Next,
		Artifacts: req.Artifacts,
	})
	respond(w, http.StatusCreated, e, err)
}

func (s *Server) latestProgress(w http.ResponseWriter, r *http.Request) {
	if !s.workspaceKnown(w, r) {
		return
	}
	latest, err := s.coord.Ledger.LatestAll(r.Context(), r.PathValue("ws"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) agentProgress(w http.ResponseWriter, r *http.Request) {
	ws, agent := r.PathValue("ws"), r.PathValue("agent")
	if r.URL.Query().Get("history") == "true" {
		hist, err := s.coord.Ledger.History(r.Context(), ws, agent)
		respondList(w, hist, err)
		return
	}
	e, err := s.coord.Ledger.Latest(r.Context(), ws, agent)
	respond(w, http.StatusOK, e, err)
}

// --- Events ---

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if !s.workspaceKnown(w, r) {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	opts := events.QueryOpts{
		Type:     q.Get("type"),
		Source:   q.Get("source"),
		EntityID: q.Get("entity_id"),
		Limit:    limit,
	}
	if v := q.Get("after"); v != "" {
		t, err := protocol.ParseTime(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed after timestamp: " + err.Error()})
			return
		}
		opts.After = &t
	}
	evs, err := s.coord.Events.Query(r.Context(), r.PathValue("ws"), opts)
	respondList(w, evs, err)
}

// --- Helpers ---

// workspaceKnown rejects requests naming a workspace that was never opened.
// Closed workspaces pass: their history stays queryable.
func (s *Server) workspaceKnown(w http.ResponseWriter, r *http.Request) bool {
	if _, err := s.coord.Workspace(r.Context(), r.PathValue("ws")); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body: " + err.Error()})
		return false
	}
	return true
}

func respond(w http.ResponseWriter, okStatus int, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, okStatus, v)
}

// respondList writes a JSON array, never null, so clients can range without
// a nil check.
func respondList[T any](w http.ResponseWriter, items []T, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, items)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps typed coordinator errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound     *protocol.NotFoundError
		conflict     *protocol.ConflictError
		invalid      *protocol.InvalidTransitionError
		depth        *protocol.DepthExceededError
		gate         *protocol.TestGateError
		unauthorized *protocol.UnauthorizedError
		mergeGate    *protocol.MergeGateError
	)
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &gate):
		status = http.StatusConflict
		body["test_status"] = string(gate.TestStatus)
	case errors.As(err, &mergeGate):
		status = http.StatusConflict
		body["unmet"] = string(mergeGate.Unmet)
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &invalid):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &depth):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &unauthorized):
		status = http.StatusForbidden
	}
	writeJSON(w, status, body)
}
