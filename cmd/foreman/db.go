package main

import (
	"context"
	"database/sql"
	"fmt"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite"
)

// openDB opens the SQLite database at path with production-safe defaults:
// WAL journal mode and a 5-second busy timeout. The connection is pinged
// before returning.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// applySchema creates missing tables and indexes. Safe to run repeatedly.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
