package manifest //nolint:testpackage

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"foreman/pkg/beads"
	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"
	"foreman/pkg/registry"

	_ "modernc.org/sqlite"
)

const seedYAML = `
workspace: ws1
name: demo town
agents:
  - name: gracie
    role: mayor
    can_spawn: true
    children:
      - name: worker-1
        role: specialist
      - name: worker-2
        role: specialist
  - name: ray
    role: reviewer
beads:
  - title: wire the frobnicator
  - title: polish the docs
`

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
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
	return coordinator.New(db, coordinator.Config{})
}

func TestParseValid(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.Workspace != "ws1" || len(m.Agents) != 2 || len(m.Beads) != 2 {
		t.Errorf("parsed shape: ws=%s agents=%d beads=%d", m.Workspace, len(m.Agents), len(m.Beads))
	}
	if len(m.Agents[0].Children) != 2 {
		t.Errorf("children: %d", len(m.Agents[0].Children))
	}
}

func TestParseValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown role", "agents:\n  - name: x\n    role: wizard\n", "unknown role"},
		{"empty name", "agents:\n  - role: mayor\n", "empty name"},
		{"duplicate name", "agents:\n  - name: x\n    role: mayor\n  - name: x\n    role: deacon\n", "duplicate"},
		{"children without can_spawn", "agents:\n  - name: x\n    role: mayor\n    children:\n      - name: y\n        role: specialist\n", "can_spawn"},
		{"empty bead title", "beads:\n  - title: \"\"\n", "empty title"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestApplySeedsWorkspace(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	m, err := Parse([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ws, err := m.Apply(ctx, c)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if ws.ID != "ws1" || ws.Name != "demo town" {
		t.Errorf("workspace: %+v", ws)
	}

	agents, err := c.Registry.List(ctx, ws.ID, registry.Filter{})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 4 {
		t.Fatalf("agents seeded: got %d, want 4", len(agents))
	}

	w1, err := c.Registry.GetByName(ctx, ws.ID, "worker-1")
	if err != nil {
		t.Fatalf("get worker-1: %v", err)
	}
	gracie, err := c.Registry.GetByName(ctx, ws.ID, "gracie")
	if err != nil {
		t.Fatalf("get gracie: %v", err)
	}
	if w1.ParentID != gracie.ID || w1.SpawnDepth != 1 {
		t.Errorf("hierarchy: parent=%s depth=%d", w1.ParentID, w1.SpawnDepth)
	}

	bs, err := c.Beads.List(ctx, ws.ID, beads.Filter{})
	if err != nil {
		t.Fatalf("list beads: %v", err)
	}
	if len(bs) != 2 {
		t.Errorf("beads seeded: got %d, want 2", len(bs))
	}
}

func TestApplyIsIdempotentForAgents(t *testing.T) {
	t.Parallel()

	c := newTestCoordinator(t)
	ctx := context.Background()

	m, err := Parse([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := m.Apply(ctx, c); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := m.Apply(ctx, c); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	agents, err := c.Registry.List(ctx, "ws1", registry.Filter{})
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 4 {
		t.Errorf("agents after reapply: got %d, want 4", len(agents))
	}
}
