// Package state persists per-plugin snapshots: the blake3 fingerprint of the
// plugin on disk, the catalog it announced at initialize, and its last known
// status. Snapshots outlive the engine process, so the watcher can detect
// changes made while the engine was down and plugin listings can be answered
// without spawning anything.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	StatusUnknown = "unknown"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Snapshot is the persisted view of one plugin.
type Snapshot struct {
	Plugin         string          `json:"plugin"`
	ManifestHash   string          `json:"manifest_hash,omitempty"`
	ExecutableHash string          `json:"executable_hash,omitempty"`
	Catalog        json.RawMessage `json:"catalog,omitempty"`
	Status         string          `json:"status"`
	LastError      *string         `json:"last_error,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordFingerprint stores the plugin's on-disk hashes, creating the snapshot
// row if needed. Catalog and status are left untouched on existing rows.
func (s *Store) RecordFingerprint(ctx context.Context, plugin, manifestHash, executableHash string) error {
	if plugin == "" {
		return fmt.Errorf("plugin name is empty")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_state(plugin_name, manifest_hash, executable_hash, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  manifest_hash = excluded.manifest_hash,
  executable_hash = excluded.executable_hash,
  updated_at = excluded.updated_at;
`, plugin, manifestHash, executableHash, now)
	if err != nil {
		return fmt.Errorf("record plugin fingerprint: %w", err)
	}
	return nil
}

// RecordCatalog stores the plugin's initialize result and marks it ok,
// clearing any previous error.
func (s *Store) RecordCatalog(ctx context.Context, plugin string, catalog json.RawMessage) error {
	if plugin == "" {
		return fmt.Errorf("plugin name is empty")
	}
	var cat any
	if len(catalog) > 0 {
		if !json.Valid(catalog) {
			return fmt.Errorf("catalog is invalid JSON for plugin=%q", plugin)
		}
		cat = string(catalog)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_state(plugin_name, catalog, status, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  catalog = excluded.catalog,
  status = excluded.status,
  last_error = NULL,
  updated_at = excluded.updated_at;
`, plugin, cat, StatusOK, now)
	if err != nil {
		return fmt.Errorf("record plugin catalog: %w", err)
	}
	return nil
}

// SetStatus records the plugin's last known status and error.
func (s *Store) SetStatus(ctx context.Context, plugin, status string, lastError *string) error {
	if plugin == "" {
		return fmt.Errorf("plugin name is empty")
	}
	if status != StatusUnknown && status != StatusOK && status != StatusError {
		return fmt.Errorf("invalid plugin status: %q", status)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plugin_state(plugin_name, status, last_error, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(plugin_name) DO UPDATE SET
  status = excluded.status,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at;
`, plugin, status, lastError, now)
	if err != nil {
		return fmt.Errorf("set plugin status: %w", err)
	}
	return nil
}

// Get returns the snapshot for one plugin, or (nil, nil) if none exists.
func (s *Store) Get(ctx context.Context, plugin string) (*Snapshot, error) {
	if plugin == "" {
		return nil, fmt.Errorf("plugin name is empty")
	}

	row := s.db.QueryRowContext(ctx, `
SELECT plugin_name, manifest_hash, executable_hash, catalog, status, last_error, updated_at
FROM plugin_state
WHERE plugin_name = ?;
`, plugin)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin snapshot: %w", err)
	}
	return snap, nil
}

// All returns every plugin snapshot, ordered by plugin name.
func (s *Store) All(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT plugin_name, manifest_hash, executable_hash, catalog, status, last_error, updated_at
FROM plugin_state
ORDER BY plugin_name ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list plugin snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plugin snapshots: %w", err)
	}
	return out, nil
}

// Delete drops the snapshot of a plugin that no longer exists on disk.
func (s *Store) Delete(ctx context.Context, plugin string) error {
	if plugin == "" {
		return fmt.Errorf("plugin name is empty")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugin_state WHERE plugin_name = ?;`, plugin); err != nil {
		return fmt.Errorf("delete plugin snapshot: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap           Snapshot
		manifestHash   sql.NullString
		executableHash sql.NullString
		catalog        sql.NullString
		lastError      sql.NullString
		updatedAtS     sql.NullString
	)
	if err := row.Scan(
		&snap.Plugin, &manifestHash, &executableHash, &catalog, &snap.Status, &lastError, &updatedAtS,
	); err != nil {
		return nil, err
	}
	if manifestHash.Valid {
		snap.ManifestHash = manifestHash.String
	}
	if executableHash.Valid {
		snap.ExecutableHash = executableHash.String
	}
	if catalog.Valid {
		if !json.Valid([]byte(catalog.String)) {
			return nil, fmt.Errorf("stored catalog is invalid JSON for plugin=%q", snap.Plugin)
		}
		snap.Catalog = json.RawMessage(catalog.String)
	}
	if lastError.Valid {
		snap.LastError = &lastError.String
	}
	if updatedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, updatedAtS.String); err == nil {
			snap.UpdatedAt = t
		}
	}
	return &snap, nil
}
