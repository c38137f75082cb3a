package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SavePendingAuthorization inserts the placeholder row created by authorize.
// The code value is the login state token and UserID must be empty.
func (s *Store) SavePendingAuthorization(c *AuthCode) error {
	_, err := s.db.Exec(`
		INSERT INTO auth_codes
			(code_hash, client_id, user_id, scopes, code_challenge, redirect_uri,
			 redirect_uri_explicit, client_state, expires_at)
		VALUES (?, ?, NULL, ?, ?, ?, ?, ?, ?)`,
		c.CodeHash, c.ClientID, joinScopes(c.Scopes), c.CodeChallenge,
		c.RedirectURI, boolToInt(c.RedirectURIExplicit), c.ClientState,
		c.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert pending authorization: %w", err)
	}
	return nil
}

// CompleteAuthorization transitions a placeholder row into a real
// authorization code in one transaction: the placeholder is deleted and a new
// row with the given code hash and user id is inserted, inheriting the
// placeholder's client, scopes, PKCE challenge and redirect data.
//
// Returns ErrNotFound when the state token matches no live placeholder and
// ErrStateConsumed when it was already completed once; both must surface to
// the human as the same generic "expired" outcome.
func (s *Store) CompleteAuthorization(stateHash, userID, codeHash string, expiresAt time.Time) (*AuthCode, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin complete authorization: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholder, err := scanAuthCode(tx.QueryRow(
		selectAuthCode+` WHERE code_hash = ? AND user_id IS NULL`, stateHash))
	if err == ErrNotFound {
		var one int
		if scanErr := tx.QueryRow(
			`SELECT 1 FROM auth_codes WHERE code_hash = ?`, stateHash,
		).Scan(&one); scanErr == nil {
			return nil, ErrStateConsumed
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if placeholder.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}

	code := &AuthCode{
		CodeHash:            codeHash,
		ClientID:            placeholder.ClientID,
		UserID:              userID,
		Scopes:              placeholder.Scopes,
		CodeChallenge:       placeholder.CodeChallenge,
		RedirectURI:         placeholder.RedirectURI,
		RedirectURIExplicit: placeholder.RedirectURIExplicit,
		ClientState:         placeholder.ClientState,
		ExpiresAt:           expiresAt,
	}
	if _, err := tx.Exec(`
		INSERT INTO auth_codes
			(code_hash, client_id, user_id, scopes, code_challenge, redirect_uri,
			 redirect_uri_explicit, client_state, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.CodeHash, code.ClientID, code.UserID, joinScopes(code.Scopes),
		code.CodeChallenge, code.RedirectURI, boolToInt(code.RedirectURIExplicit),
		code.ClientState, code.ExpiresAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("insert authorization code: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM auth_codes WHERE code_hash = ?`, stateHash); err != nil {
		return nil, fmt.Errorf("delete placeholder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit complete authorization: %w", err)
	}
	return code, nil
}

// GetAuthorizationCode returns the code's descriptor only if it belongs to
// the given client, has completed login, and has not expired.
func (s *Store) GetAuthorizationCode(clientID, codeHash string) (*AuthCode, error) {
	code, err := scanAuthCode(s.db.QueryRow(
		selectAuthCode+` WHERE code_hash = ? AND client_id = ? AND user_id IS NOT NULL`,
		codeHash, clientID))
	if err != nil {
		return nil, err
	}
	if code.ExpiresAt.Before(time.Now()) {
		return nil, ErrNotFound
	}
	return code, nil
}

// ConsumeAuthCode deletes the code row and returns it. A second call with
// the same code finds nothing.
func (s *Store) ConsumeAuthCode(codeHash string) (*AuthCode, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin consume code: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	code, err := scanAuthCode(tx.QueryRow(
		selectAuthCode+` WHERE code_hash = ?`, codeHash))
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM auth_codes WHERE code_hash = ?`, codeHash); err != nil {
		return nil, fmt.Errorf("delete authorization code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume code: %w", err)
	}
	return code, nil
}

const selectAuthCode = `
	SELECT code_hash, client_id, user_id, scopes, code_challenge, redirect_uri,
	       redirect_uri_explicit, client_state, expires_at
	FROM auth_codes`

func scanAuthCode(row *sql.Row) (*AuthCode, error) {
	var c AuthCode
	var userID, clientState sql.NullString
	var explicit int
	var expiresAt int64
	err := row.Scan(&c.CodeHash, &c.ClientID, &userID, scopesScanner{&c.Scopes},
		&c.CodeChallenge, &c.RedirectURI, &explicit, &clientState, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan authorization code: %w", err)
	}
	c.UserID = userID.String
	c.ClientState = clientState.String
	c.RedirectURIExplicit = explicit != 0
	c.ExpiresAt = time.Unix(expiresAt, 0)
	return &c, nil
}

// scopesScanner scans a comma-joined scopes column into a slice.
type scopesScanner struct{ dst *[]string }

func (sc scopesScanner) Scan(v any) error {
	switch val := v.(type) {
	case nil:
		*sc.dst = nil
	case string:
		*sc.dst = splitScopes(val)
	case []byte:
		*sc.dst = splitScopes(string(val))
	default:
		return fmt.Errorf("unexpected scopes column type %T", v)
	}
	return nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
