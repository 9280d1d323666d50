// Package storage provides the SQLite storage layer for the control plane.
//
// A single database file holds every materialized memory table plus the
// operational tables (training counters, governance audit). Table DDL is
// derived from schema definitions at runtime; all creation is
// "if not exists" so materialization is safe to repeat.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle. SQLite allows one writer at a time; the pool is
// pinned to a single connection with a busy timeout so concurrent callers
// queue instead of failing.
type DB struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database file and applies pragmas.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("storage: pragma failed", "pragma", pragma, "error", err)
		}
	}

	s := &DB{db: db, path: path, logger: logger}
	if err := s.initOperationalTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initOperationalTables creates the control plane's own tables, as opposed to
// the dynamic memory tables materialized from schema definitions.
func (s *DB) initOperationalTables() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS training_counters (
		table_name TEXT PRIMARY KEY,
		new_rows INTEGER NOT NULL DEFAULT 0,
		last_training_at TEXT
	);
	CREATE TABLE IF NOT EXISTS governance_audit (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		risk TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON governance_audit(kind);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON governance_audit(created_at);
	`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("storage: init operational tables: %w", err)
	}
	return nil
}

// Ping verifies the database file is reachable.
func (s *DB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// Handle returns the underlying sql.DB for tests.
func (s *DB) Handle() *sql.DB {
	return s.db
}
