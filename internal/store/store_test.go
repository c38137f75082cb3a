package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMigratesIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A second open must re-run migrations without error.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Ping())
	require.NoError(t, s.Close())
}

func TestGetOrCreateUserIsStable(t *testing.T) {
	s := newTestStore(t)

	first, err := s.GetOrCreateUser("runner@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := s.GetOrCreateUser("runner@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := s.GetOrCreateUser("cyclist@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	fetched, err := s.GetUser(first.ID)
	require.NoError(t, err)
	assert.Equal(t, "runner@example.com", fetched.GarminEmail)

	_, err = s.GetUser("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveClientUpserts(t *testing.T) {
	s := newTestStore(t)

	meta := ClientMetadata{
		ClientName:              "App",
		RedirectURIs:            []string{"https://app.example.com/callback"},
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		Scope:                   "garmin",
		TokenEndpointAuthMethod: "none",
	}
	require.NoError(t, s.SaveClient("client_abc", meta))

	got, err := s.GetClient("client_abc")
	require.NoError(t, err)
	assert.Equal(t, "App", got.Metadata.ClientName)
	assert.Equal(t, meta.RedirectURIs, got.Metadata.RedirectURIs)

	// Re-registration with the same id replaces the metadata.
	meta.ClientName = "App v2"
	meta.RedirectURIs = []string{"https://app.example.com/cb2"}
	require.NoError(t, s.SaveClient("client_abc", meta))

	got, err = s.GetClient("client_abc")
	require.NoError(t, err)
	assert.Equal(t, "App v2", got.Metadata.ClientName)
	assert.Equal(t, []string{"https://app.example.com/cb2"}, got.Metadata.RedirectURIs)

	_, err = s.GetClient("client_unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func pendingCode(stateHash string) *AuthCode {
	return &AuthCode{
		CodeHash:            stateHash,
		ClientID:            "client_abc",
		Scopes:              []string{"garmin"},
		CodeChallenge:       "challenge",
		RedirectURI:         "https://app.example.com/callback",
		RedirectURIExplicit: true,
		ClientState:         "xyz",
		ExpiresAt:           time.Now().Add(15 * time.Minute),
	}
}

func TestPlaceholderIsNotAnAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePendingAuthorization(pendingCode("state1")))

	// Until login completes, the state token must not work as a code.
	_, err := s.GetAuthorizationCode("client_abc", "state1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteAuthorizationLifecycle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePendingAuthorization(pendingCode("state1")))

	code, err := s.CompleteAuthorization("state1", "user-1", "code1", time.Now().Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "user-1", code.UserID)
	assert.Equal(t, "client_abc", code.ClientID)
	assert.Equal(t, []string{"garmin"}, code.Scopes)
	assert.Equal(t, "challenge", code.CodeChallenge)
	assert.Equal(t, "xyz", code.ClientState)
	assert.True(t, code.RedirectURIExplicit)

	got, err := s.GetAuthorizationCode("client_abc", "code1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	// Wrong client cannot see the code.
	_, err = s.GetAuthorizationCode("client_other", "code1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The state token is gone; replaying it is a distinct error.
	_, err = s.CompleteAuthorization("state1", "user-1", "code2", time.Now().Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteAuthorizationReplayIsConsumed(t *testing.T) {
	s := newTestStore(t)
	// Replaying the code hash itself (still present as a completed row)
	// reports the consumed state, not a plain miss.
	require.NoError(t, s.SavePendingAuthorization(pendingCode("state1")))
	_, err := s.CompleteAuthorization("state1", "user-1", "code1", time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	_, err = s.CompleteAuthorization("code1", "user-1", "code2", time.Now().Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrStateConsumed)
}

func TestCompleteAuthorizationExpiredPlaceholder(t *testing.T) {
	s := newTestStore(t)
	expired := pendingCode("state1")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.SavePendingAuthorization(expired))

	_, err := s.CompleteAuthorization("state1", "user-1", "code1", time.Now().Add(5*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeAuthCodeIsSingleUse(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SavePendingAuthorization(pendingCode("state1")))
	_, err := s.CompleteAuthorization("state1", "user-1", "code1", time.Now().Add(5*time.Minute))
	require.NoError(t, err)

	code, err := s.ConsumeAuthCode("code1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", code.UserID)

	_, err = s.ConsumeAuthCode("code1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccessTokenExpiry(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveAccessToken(&AccessToken{
		TokenHash: "live",
		ClientID:  "client_abc",
		UserID:    "user-1",
		Scopes:    []string{"garmin"},
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.SaveAccessToken(&AccessToken{
		TokenHash: "stale",
		ClientID:  "client_abc",
		UserID:    "user-1",
		Scopes:    []string{"garmin"},
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	got, err := s.GetAccessToken("live")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	_, err = s.GetAccessToken("stale")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveRefreshToken(&RefreshToken{
		TokenHash: "refresh1",
		ClientID:  "client_abc",
		UserID:    "user-1",
		Scopes:    []string{"garmin"},
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}))

	// Lookup is scoped to the owning client.
	_, err := s.GetRefreshToken("client_other", "refresh1")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetRefreshToken("client_abc", "refresh1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	consumed, err := s.ConsumeRefreshToken("refresh1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", consumed.UserID)

	_, err = s.ConsumeRefreshToken("refresh1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshTokenWithoutExpiry(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveRefreshToken(&RefreshToken{
		TokenHash: "forever",
		ClientID:  "client_abc",
		UserID:    "user-1",
		Scopes:    []string{"garmin"},
	}))

	got, err := s.GetRefreshToken("client_abc", "forever")
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestRevokeTokenCoversBothTables(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveAccessToken(&AccessToken{
		TokenHash: "tok",
		ClientID:  "client_abc",
		UserID:    "user-1",
		Scopes:    []string{"garmin"},
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.SaveRefreshToken(&RefreshToken{
		TokenHash: "tok",
		ClientID:  "client_abc",
		UserID:    "user-1",
		Scopes:    []string{"garmin"},
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.RevokeToken("tok"))

	_, err := s.GetAccessToken("tok")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRefreshToken("client_abc", "tok")
	assert.ErrorIs(t, err, ErrNotFound)

	// Revoking an unknown value is not an error.
	assert.NoError(t, s.RevokeToken("missing"))
}
