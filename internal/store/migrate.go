package store

import (
	"fmt"
	"strings"
	"time"
)

// migrations is the ordered list of schema versions. Each entry runs at most
// once, inside its own transaction, and must be safe against a database that
// already carries the change (restores from older deployments).
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "0001_initial",
		sql: `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	garmin_email TEXT UNIQUE NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS oauth_clients (
	client_id TEXT PRIMARY KEY,
	metadata_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_codes (
	code_hash TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	user_id TEXT,
	scopes TEXT NOT NULL,
	code_challenge TEXT NOT NULL,
	redirect_uri TEXT NOT NULL,
	redirect_uri_explicit INTEGER NOT NULL DEFAULT 1,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS access_tokens (
	token_hash TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	user_id TEXT,
	scopes TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token_hash TEXT PRIMARY KEY,
	client_id TEXT NOT NULL,
	user_id TEXT,
	scopes TEXT NOT NULL,
	expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_auth_codes_expires ON auth_codes(expires_at);
CREATE INDEX IF NOT EXISTS idx_access_tokens_user ON access_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
`,
	},
	{
		// Downstream clients need their own state parameter restored on the
		// redirect back from login. Databases created before this version
		// lack the column.
		name: "0002_auth_code_client_state",
		sql:  `ALTER TABLE auth_codes ADD COLUMN client_state TEXT;`,
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, m := range migrations {
		var one int
		err := s.db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ?`, m.name).Scan(&one)
		if err == nil {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(m.sql); err != nil && !isAlreadyApplied(err) {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			m.name, time.Now().Unix(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

// isAlreadyApplied reports whether a DDL error means the change is already
// present, which counts as success for idempotent migrations.
func isAlreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}
