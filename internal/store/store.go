// Package store persists indexed memories. SQLite is the authoritative
// record store (rows, file hashes, system metadata); two chromem-go
// collections hold the composite and directory vectors for cosine search.
// The markdown files on disk remain the source of truth — everything here
// is a derivation invalidated by file hash.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/dmm-sh/dmm/internal/db"
)

const (
	memoriesCollection    = "memories"
	directoriesCollection = "directories"
	vectorsFile           = "vectors.gob.gz"
)

// Store is the composite index store. Writers serialize through mu; readers
// run on SQLite snapshot reads.
type Store struct {
	db *db.DB

	mu       sync.Mutex // serializes mutating operations
	vdb      *chromem.DB
	memories *chromem.Collection
	dirs     *chromem.Collection
}

// New creates a Store over an opened database.
func New(database *db.DB) (*Store, error) {
	s := &Store{db: database}
	if err := s.initCollections(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenMemory creates a store over an in-memory database (used by tests).
func OpenMemory() (*Store, error) {
	database, err := db.OpenMemory()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return New(database)
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SetSystemMeta stores a key/value pair in system metadata.
func (s *Store) SetSystemMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set system meta %s: %w", key, err)
	}
	return nil
}

// GetSystemMeta reads a system metadata value. A missing key returns "".
func (s *Store) GetSystemMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get system meta %s: %w", key, err)
	}
	return value, nil
}

// Count returns the number of indexed memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}
