package protocol

// SchemaDDL defines the SQLite schema for the foreman coordinator database.
// Tables: workspaces, agents, beads, bead_events, test_runs, messages,
// merge_requests, progress, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
//
// All timestamps are RFC 3339 text written by the coordinator (never by
// SQLite defaults) so injected clocks behave identically in tests.
const SchemaDDL = `
-- Isolated coordination namespaces
CREATE TABLE IF NOT EXISTS workspaces (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    closed_at TEXT
);

-- Agent registry: identity, hierarchy, lifecycle state
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    role TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    parent_id TEXT NOT NULL DEFAULT '',
    can_spawn INTEGER NOT NULL DEFAULT 0,
    spawn_depth INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'spawned',
    branch_ref TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (workspace_id, name)
);
CREATE INDEX IF NOT EXISTS idx_agents_workspace_state ON agents(workspace_id, state);

-- Bead store: work units with exclusive assignment and a test-result gate
CREATE TABLE IF NOT EXISTS beads (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    title TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    assignee TEXT NOT NULL DEFAULT '',
    test_status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_beads_workspace_status ON beads(workspace_id, status);

-- Ordered status-change trail per bead
CREATE TABLE IF NOT EXISTS bead_events (
    id INTEGER PRIMARY KEY,
    bead_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bead_events_bead ON bead_events(bead_id, id);

-- Appended test results; beads.test_status mirrors the most recent row
CREATE TABLE IF NOT EXISTS test_runs (
    id INTEGER PRIMARY KEY,
    bead_id TEXT NOT NULL,
    status TEXT NOT NULL,
    command TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_runs_bead ON test_runs(bead_id, id);

-- Message bus: seq preserves per-sender send order within a workspace
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    workspace_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    type TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    is_read INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_inbox ON messages(workspace_id, recipient, is_read);

-- Merge queue: review + build gated submissions
CREATE TABLE IF NOT EXISTS merge_requests (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    bead_id TEXT NOT NULL DEFAULT '',
    branch_ref TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    files_changed TEXT NOT NULL DEFAULT '[]',
    review_status TEXT NOT NULL DEFAULT 'pending',
    build_status TEXT NOT NULL DEFAULT 'pending',
    merge_status TEXT NOT NULL DEFAULT 'queued',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merge_requests_workspace_status ON merge_requests(workspace_id, merge_status);

-- Append-only progress ledger per agent
CREATE TABLE IF NOT EXISTS progress (
    id INTEGER PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT '',
    completed TEXT NOT NULL DEFAULT '[]',
    next_items TEXT NOT NULL DEFAULT '[]',
    artifacts TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_progress_agent ON progress(workspace_id, agent_id, id);

-- Coordinator audit log
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_workspace ON events(workspace_id, id);
`
