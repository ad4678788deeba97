package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitCreatesConfigAndDB(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "foreman.toml")
	dbPath := filepath.Join(dir, "foreman.db")

	out, err := runCmd(t, "init", "--config", configPath, "--db", dbPath)
	if err != nil {
		t.Fatalf("init: %v (%s)", err, out)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("config not written: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database not created: %v", err)
	}

	db, err := openDB(dbPath)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer func() { _ = db.Close() }()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM workspaces`).Scan(&n); err != nil {
		t.Errorf("schema not applied: %v", err)
	}
}

func TestInitRefusesOverwriteWithoutForce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "foreman.toml")
	dbPath := filepath.Join(dir, "foreman.db")

	if _, err := runCmd(t, "init", "--config", configPath, "--db", dbPath); err != nil {
		t.Fatalf("first init: %v", err)
	}
	// Tests run without a TTY, so the confirmation falls through to refusal.
	if _, err := runCmd(t, "init", "--config", configPath, "--db", dbPath); err == nil {
		t.Error("second init without --force succeeded")
	}
	if _, err := runCmd(t, "init", "--config", configPath, "--db", dbPath, "--force"); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestVersionFlag(t *testing.T) {
	t.Parallel()

	out, err := runCmd(t, "--version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "foreman ") {
		t.Errorf("version output: %q", out)
	}
}
