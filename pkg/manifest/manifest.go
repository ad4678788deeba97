// Package manifest reads YAML workspace seed files: an initial agent tree
// and a bead backlog, applied through the coordinator so the usual spawn and
// creation rules hold. Seeding an already-populated workspace only adds what
// is missing by name.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"foreman/pkg/coordinator"
	"foreman/pkg/protocol"
)

// Agent is one node of the seeded hierarchy.
type Agent struct {
	Name     string  `yaml:"name"`
	Role     string  `yaml:"role"`
	Model    string  `yaml:"model"`
	CanSpawn bool    `yaml:"can_spawn"`
	Children []Agent `yaml:"children"`
}

// Bead is one backlog entry.
type Bead struct {
	Title string `yaml:"title"`
}

// Manifest is a workspace seed file.
type Manifest struct {
	Workspace string  `yaml:"workspace"` // optional fixed id
	Name      string  `yaml:"name"`
	Agents    []Agent `yaml:"agents"`
	Beads     []Bead  `yaml:"beads"`
}

// Parse decodes and validates a manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool)
	var walk func(a Agent) error
	walk = func(a Agent) error {
		if a.Name == "" {
			return errors.New("manifest: agent with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("manifest: duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
		if !protocol.Role(a.Role).Valid() {
			return fmt.Errorf("manifest: agent %q has unknown role %q", a.Name, a.Role)
		}
		if len(a.Children) > 0 && !a.CanSpawn {
			return fmt.Errorf("manifest: agent %q has children but can_spawn is false", a.Name)
		}
		for _, c := range a.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, a := range m.Agents {
		if err := walk(a); err != nil {
			return err
		}
	}
	for i, b := range m.Beads {
		if b.Title == "" {
			return fmt.Errorf("manifest: bead %d has empty title", i)
		}
	}
	return nil
}

// Apply opens the workspace and seeds it. Agents already registered under
// their manifest name are kept as they are; beads are created
// unconditionally since titles are not identities.
func (m *Manifest) Apply(ctx context.Context, c *coordinator.Coordinator) (*protocol.Workspace, error) {
	ws, err := c.OpenWorkspace(ctx, m.Workspace, m.Name)
	if err != nil {
		return nil, err
	}

	var spawn func(parentID string, a Agent) error
	spawn = func(parentID string, a Agent) error {
		existing, err := c.Registry.GetByName(ctx, ws.ID, a.Name)
		switch {
		case err == nil:
			// Already seeded; descend with the existing id.
		case isNotFound(err):
			existing, err = c.SpawnAgent(ctx, ws.ID, coordinator.SpawnRequest{
				ParentID: parentID,
				Name:     a.Name,
				Role:     protocol.Role(a.Role),
				Model:    a.Model,
				CanSpawn: a.CanSpawn,
			})
			if err != nil {
				return fmt.Errorf("seed agent %s: %w", a.Name, err)
			}
		default:
			return err
		}
		for _, child := range a.Children {
			if err := spawn(existing.ID, child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, a := range m.Agents {
		if err := spawn("", a); err != nil {
			return nil, err
		}
	}

	for _, b := range m.Beads {
		if _, err := c.CreateBead(ctx, ws.ID, b.Title); err != nil {
			return nil, fmt.Errorf("seed bead %q: %w", b.Title, err)
		}
	}
	return ws, nil
}

func isNotFound(err error) bool {
	var nf *protocol.NotFoundError
	return errors.As(err, &nf)
}
