package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must live on a local filesystem;
// SQLite locking is unreliable over network mounts.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing: the execution journal,
// its ordered event log, and the per-plugin snapshot table.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
  id           TEXT PRIMARY KEY,
  plugin       TEXT NOT NULL,
  function     TEXT NOT NULL,
  arguments    JSON,
  status       TEXT NOT NULL,
  response     TEXT,
  error        TEXT,
  keep_session INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT NOT NULL,
  finished_at  TEXT,
  duration_ms  INTEGER
);`,
		`CREATE TABLE IF NOT EXISTS execution_events (
  execution_id TEXT NOT NULL REFERENCES executions(id),
  seq          INTEGER NOT NULL,
  kind         TEXT NOT NULL,
  payload      TEXT,
  at           TEXT NOT NULL,
  PRIMARY KEY (execution_id, seq)
);`,
		`CREATE TABLE IF NOT EXISTS plugin_state (
  plugin_name     TEXT PRIMARY KEY,
  manifest_hash   TEXT,
  executable_hash TEXT,
  catalog         JSON,
  status          TEXT NOT NULL DEFAULT 'unknown',
  last_error      TEXT,
  updated_at      TEXT
);`,
		`CREATE INDEX IF NOT EXISTS executions_plugin_started_at_idx ON executions(plugin, started_at);`,
		`CREATE INDEX IF NOT EXISTS executions_status_started_at_idx ON executions(status, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
