// Package database provides storage backends for the local snapshot cache.
package database

import "errors"

// ErrNotFound is returned when a snapshot or setting does not exist.
var ErrNotFound = errors.New("database: not found")

// SnapshotRecord is one persisted view snapshot. Items is the encoded item list;
// CapturedAt is an ISO-8601 timestamp.
type SnapshotRecord struct {
	ViewKey       string
	SchemaVersion string
	CapturedAt    string
	Items         []byte
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Snapshot operations
	GetSnapshot(viewKey string) (*SnapshotRecord, error)
	PutSnapshot(rec SnapshotRecord) error
	DeleteSnapshot(viewKey string) error
	ListSnapshotKeys() ([]string, error)

	// Settings operations
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Open returns the store for driver ("sqlite" or "postgres").
func Open(driver, path, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return New(path)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, errors.New("database: unknown driver " + driver)
	}
}
