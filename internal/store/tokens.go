package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveAccessToken persists an issued access token.
func (s *Store) SaveAccessToken(t *AccessToken) error {
	_, err := s.db.Exec(`
		INSERT INTO access_tokens (token_hash, client_id, user_id, scopes, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.TokenHash, t.ClientID, nullIfEmpty(t.UserID), joinScopes(t.Scopes), t.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert access token: %w", err)
	}
	return nil
}

// GetAccessToken returns the token descriptor if it exists and has not
// expired.
func (s *Store) GetAccessToken(tokenHash string) (*AccessToken, error) {
	var t AccessToken
	var userID sql.NullString
	var expiresAt int64
	err := s.db.QueryRow(`
		SELECT token_hash, client_id, user_id, scopes, expires_at
		FROM access_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&t.TokenHash, &t.ClientID, &userID, scopesScanner{&t.Scopes}, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan access token: %w", err)
	}
	t.UserID = userID.String
	t.ExpiresAt = time.Unix(expiresAt, 0)
	if t.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// SaveRefreshToken persists a refresh token. A zero ExpiresAt stores NULL,
// meaning the token never expires.
func (s *Store) SaveRefreshToken(t *RefreshToken) error {
	var expires any
	if !t.ExpiresAt.IsZero() {
		expires = t.ExpiresAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO refresh_tokens (token_hash, client_id, user_id, scopes, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.TokenHash, t.ClientID, nullIfEmpty(t.UserID), joinScopes(t.Scopes), expires,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns the token only if it belongs to the given client
// and has not expired.
func (s *Store) GetRefreshToken(clientID, tokenHash string) (*RefreshToken, error) {
	t, err := s.scanRefreshToken(s.db.QueryRow(`
		SELECT token_hash, client_id, user_id, scopes, expires_at
		FROM refresh_tokens WHERE token_hash = ? AND client_id = ?`,
		tokenHash, clientID))
	if err != nil {
		return nil, err
	}
	if !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return t, nil
}

// ConsumeRefreshToken deletes the refresh token and returns it. Refresh
// tokens are single-use; a second call with the same value finds nothing.
func (s *Store) ConsumeRefreshToken(tokenHash string) (*RefreshToken, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin consume refresh token: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.scanRefreshToken(tx.QueryRow(`
		SELECT token_hash, client_id, user_id, scopes, expires_at
		FROM refresh_tokens WHERE token_hash = ?`, tokenHash))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash); err != nil {
		return nil, fmt.Errorf("delete refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume refresh token: %w", err)
	}
	return t, nil
}

// RevokeToken deletes the value from both token tables. Token values are
// unique across both tables so the blanket delete is safe without knowing
// which kind the caller holds.
func (s *Store) RevokeToken(tokenHash string) error {
	if _, err := s.db.Exec(`DELETE FROM access_tokens WHERE token_hash = ?`, tokenHash); err != nil {
		return fmt.Errorf("delete access token: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (s *Store) scanRefreshToken(row *sql.Row) (*RefreshToken, error) {
	var t RefreshToken
	var userID sql.NullString
	var expiresAt sql.NullInt64
	err := row.Scan(&t.TokenHash, &t.ClientID, &userID, scopesScanner{&t.Scopes}, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}
	t.UserID = userID.String
	if expiresAt.Valid {
		t.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	return &t, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
