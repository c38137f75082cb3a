// Package store persists OAuth server state (users, clients, authorization
// codes, access and refresh tokens) in a single SQLite database file.
//
// Every lookup returns either a fully populated value object or ErrNotFound;
// callers never see raw rows or driver-level "no rows" errors.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// ErrStateConsumed is returned when an authorization state token exists but
// has already been completed. Callers present it the same way as ErrNotFound
// but may log the distinction.
var ErrStateConsumed = errors.New("store: authorization state already consumed")

// Store wraps the SQLite database holding all durable OAuth state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and brings the
// schema up to date.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		url.PathEscape(path),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping() error {
	return s.db.Ping()
}
