// Package database provides SQLite storage for the snapshot cache.
package database

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	// Sessions write from several goroutines; SQLite serializes writers anyway.
	conn.SetMaxOpenConns(1)
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		view_key TEXT PRIMARY KEY,
		schema_version TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		items BLOB
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// --- Snapshot Methods ---

// GetSnapshot returns the snapshot stored for a view.
func (db *DB) GetSnapshot(viewKey string) (*SnapshotRecord, error) {
	rec := SnapshotRecord{ViewKey: viewKey}
	err := db.conn.QueryRow("SELECT schema_version, captured_at, items FROM snapshots WHERE view_key = ?", viewKey).
		Scan(&rec.SchemaVersion, &rec.CapturedAt, &rec.Items)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutSnapshot creates or overwrites the snapshot of a view.
func (db *DB) PutSnapshot(rec SnapshotRecord) error {
	_, err := db.conn.Exec(`
		INSERT INTO snapshots (view_key, schema_version, captured_at, items)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(view_key) DO UPDATE SET
			schema_version = excluded.schema_version,
			captured_at = excluded.captured_at,
			items = excluded.items`,
		rec.ViewKey, rec.SchemaVersion, rec.CapturedAt, rec.Items)
	return err
}

// DeleteSnapshot removes the snapshot of a view.
func (db *DB) DeleteSnapshot(viewKey string) error {
	_, err := db.conn.Exec("DELETE FROM snapshots WHERE view_key = ?", viewKey)
	return err
}

// ListSnapshotKeys returns the view keys that have a snapshot, ordered by key.
func (db *DB) ListSnapshotKeys() ([]string, error) {
	rows, err := db.conn.Query("SELECT view_key FROM snapshots ORDER BY view_key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(key string) (string, error) {
	var val string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec("INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
	return err
}

func scanKeys(rows *sql.Rows) ([]string, error) {
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
