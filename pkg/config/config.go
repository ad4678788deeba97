// Package config loads and watches the coordinator's TOML configuration.
// Tuning values are hot-reloadable; structural values (DB path, listen
// address) take effect on restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration that reads and writes as a string ("30s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Patrol holds the health monitor tuning.
type Patrol struct {
	Interval           Duration `toml:"interval"`
	LivenessWindow     Duration `toml:"liveness_window"`
	EscalateAfter      int      `toml:"escalate_after"`
	EscalationCooldown Duration `toml:"escalation_cooldown"`
	MergeStaleAfter    Duration `toml:"merge_stale_after"`
	AgentName          string   `toml:"agent_name"`
}

// Config is the full configuration file.
type Config struct {
	DBPath        string `toml:"db_path"`
	ListenAddr    string `toml:"listen_addr"`
	MaxSpawnDepth int    `toml:"max_spawn_depth"`
	Patrol        Patrol `toml:"patrol"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.DBPath == "" {
		c.DBPath = "foreman.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:7420"
	}
	if c.MaxSpawnDepth == 0 {
		c.MaxSpawnDepth = 5
	}
	if c.Patrol.Interval == 0 {
		c.Patrol.Interval = Duration(2 * time.Minute)
	}
	if c.Patrol.LivenessWindow == 0 {
		c.Patrol.LivenessWindow = Duration(5 * time.Minute)
	}
	if c.Patrol.EscalateAfter == 0 {
		c.Patrol.EscalateAfter = 2
	}
	if c.Patrol.EscalationCooldown == 0 {
		c.Patrol.EscalationCooldown = c.Patrol.LivenessWindow
	}
	if c.Patrol.MergeStaleAfter == 0 {
		c.Patrol.MergeStaleAfter = Duration(10 * time.Minute)
	}
	if c.Patrol.AgentName == "" {
		c.Patrol.AgentName = "patrol"
	}
	return c
}

// Load reads the config file, filling defaults. A missing file yields the
// defaults without error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c.withDefaults(), nil
}

// Save writes the config file, creating parent directories.
func Save(path string, c Config) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
