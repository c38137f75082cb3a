package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitsync/garmin-mcp/internal/garmin"
	"github.com/fitsync/garmin-mcp/internal/session"
	"github.com/fitsync/garmin-mcp/internal/store"
)

const (
	testEmail    = "runner@example.com"
	testPassword = "hunter2"
	testMFACode  = "123456"
)

// stubAuthenticator stands in for the Garmin SSO handshake.
type stubAuthenticator struct {
	requireMFA bool
	logins     int
	resumes    int
}

func (a *stubAuthenticator) Login(ctx context.Context, email, password string) (*garmin.LoginResult, error) {
	a.logins++
	if email != testEmail || password != testPassword {
		return nil, garmin.ErrInvalidCredentials
	}
	if a.requireMFA {
		return &garmin.LoginResult{MFA: &garmin.ResumeState{}}, nil
	}
	return &garmin.LoginResult{Tokens: stubTokens()}, nil
}

func (a *stubAuthenticator) ResumeLogin(ctx context.Context, state *garmin.ResumeState, mfaCode string) (*garmin.TokenPair, error) {
	a.resumes++
	if mfaCode != testMFACode {
		return nil, errors.New("wrong code")
	}
	return stubTokens(), nil
}

func stubTokens() *garmin.TokenPair {
	return &garmin.TokenPair{
		OAuth1: garmin.OAuth1Token{Token: "t", TokenSecret: "s"},
		OAuth2: garmin.OAuth2Token{
			AccessToken: "bearer",
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour).Unix(),
		},
	}
}

type testEnv struct {
	ts       *httptest.Server
	provider *Provider
	store    *store.Store
	sessions *session.Manager
	auth     *stubAuthenticator
	client   *http.Client
}

func newTestEnv(t *testing.T, auth *stubAuthenticator) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "oauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sessions, err := session.NewManager(session.Config{
		StoragePath: t.TempDir(),
		Restore: func(ctx context.Context, dir string) (*garmin.Client, error) {
			pair, err := garmin.LoadTokens(dir)
			if err != nil {
				return nil, err
			}
			return garmin.NewClient(pair), nil
		},
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	provider := NewProvider(Config{ServerURL: ts.URL}, st, sessions, auth, nil, nil)
	NewServer(provider).Routes(mux)

	return &testEnv{
		ts:       ts,
		provider: provider,
		store:    st,
		sessions: sessions,
		auth:     auth,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (e *testEnv) registerClient(t *testing.T) string {
	t.Helper()
	body := `{"redirect_uris":["https://app.example.com/callback"],"client_name":"Test App"}`
	resp, err := e.client.Post(e.ts.URL+"/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	require.NotEmpty(t, reg.ClientID)
	return reg.ClientID
}

// startAuthorization runs /authorize and returns the login URL and the state
// token embedded in it.
func (e *testEnv) startAuthorization(t *testing.T, clientID, challenge string) (string, string) {
	t.Helper()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"garmin"},
		"state":                 {"client-state-xyz"},
	}
	resp, err := e.client.Get(e.ts.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loginURL := resp.Header.Get("Location")
	require.Contains(t, loginURL, "/login?state=")
	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	return loginURL, parsed.Query().Get("state")
}

func (e *testEnv) submitLogin(t *testing.T, state, email, password string) *http.Response {
	t.Helper()
	resp, err := e.client.PostForm(e.ts.URL+"/login/callback", url.Values{
		"state":    {state},
		"email":    {email},
		"password": {password},
	})
	require.NoError(t, err)
	return resp
}

func (e *testEnv) exchangeCode(t *testing.T, clientID, code, verifier string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := e.client.PostForm(e.ts.URL+"/token", url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func codeFromRedirect(t *testing.T, resp *http.Response) (code, state string) {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "app.example.com", loc.Host)
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)

	verifier := "test-verifier-0123456789abcdefghijklmnopqrstuv"
	_, state := env.startAuthorization(t, clientID, pkceChallenge(verifier))

	// The state token is not exchangeable before login completes.
	client, err := env.provider.GetClient(clientID)
	require.NoError(t, err)
	_, err = env.provider.LoadAuthorizationCode(client, state)
	assert.ErrorIs(t, err, store.ErrNotFound)

	resp := env.submitLogin(t, state, testEmail, testPassword)
	defer resp.Body.Close()
	code, clientState := codeFromRedirect(t, resp)
	require.NotEmpty(t, code)
	assert.Equal(t, "client-state-xyz", clientState)

	// Login created the user and persisted the upstream session.
	user, err := env.store.GetOrCreateUser(testEmail)
	require.NoError(t, err)
	assert.True(t, env.sessions.HasSession(user.ID))

	tokenResp, body := env.exchangeCode(t, clientID, code, verifier)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.Equal(t, float64(3600), body["expires_in"])

	// The issued access token resolves back to the user.
	accessToken := body["access_token"].(string)
	loaded, err := env.provider.LoadAccessToken(accessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, loaded.UserID)
	resolved, err := env.sessions.ResolveClient(context.Background(), accessToken)
	require.NoError(t, err)
	assert.NotNil(t, resolved)
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)

	verifier := "another-verifier-0123456789abcdefghijklmnop"
	_, state := env.startAuthorization(t, clientID, pkceChallenge(verifier))
	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	code, _ := codeFromRedirect(t, resp)

	first, _ := env.exchangeCode(t, clientID, code, verifier)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, body := env.exchangeCode(t, clientID, code, verifier)
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestTokenExchangeRejectsWrongVerifier(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)

	verifier := "correct-verifier-0123456789abcdefghijklmnop"
	_, state := env.startAuthorization(t, clientID, pkceChallenge(verifier))
	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	code, _ := codeFromRedirect(t, resp)

	tokenResp, body := env.exchangeCode(t, clientID, code, "wrong-verifier")
	assert.Equal(t, http.StatusBadRequest, tokenResp.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])

	// PKCE failure happened before the consume step, so the code is still
	// exchangeable with the right verifier.
	retry, _ := env.exchangeCode(t, clientID, code, verifier)
	assert.Equal(t, http.StatusOK, retry.StatusCode)
}

func TestLoginWithBadCredentials(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)
	_, state := env.startAuthorization(t, clientID, pkceChallenge("v-0123456789abcdefghijklmnopqrstuv"))

	resp := env.submitLogin(t, state, testEmail, "wrong-password")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Invalid email or password.")

	// The attempt is retryable: the state is still live.
	retry := env.submitLogin(t, state, testEmail, testPassword)
	retry.Body.Close()
	code, _ := codeFromRedirect(t, retry)
	assert.NotEmpty(t, code)
}

func TestLoginStateIsSingleUse(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)
	_, state := env.startAuthorization(t, clientID, pkceChallenge("v-0123456789abcdefghijklmnopqrstuv"))

	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	// Replaying the completed state renders the terminal expired page.
	replay := env.submitLogin(t, state, testEmail, testPassword)
	defer replay.Body.Close()
	assert.Equal(t, http.StatusGone, replay.StatusCode)
	page, err := io.ReadAll(replay.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Authorization expired")
}

func TestMFAFlow(t *testing.T) {
	auth := &stubAuthenticator{requireMFA: true}
	env := newTestEnv(t, auth)
	clientID := env.registerClient(t)

	verifier := "mfa-verifier-0123456789abcdefghijklmnopqrst"
	_, state := env.startAuthorization(t, clientID, pkceChallenge(verifier))

	// The credential step hands the browser off to the MFA page.
	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	mfaURL := resp.Header.Get("Location")
	require.Contains(t, mfaURL, "/login/mfa?state=")

	form, err := env.client.Get(env.ts.URL + mfaURL)
	require.NoError(t, err)
	defer form.Body.Close()
	require.Equal(t, http.StatusOK, form.StatusCode)
	page, err := io.ReadAll(form.Body)
	require.NoError(t, err)
	require.Contains(t, string(page), "Verification required")

	// A wrong code re-renders the challenge and keeps it retryable.
	wrong, err := env.client.PostForm(env.ts.URL+"/login/mfa/callback", url.Values{
		"state":    {state},
		"mfa_code": {"000000"},
	})
	require.NoError(t, err)
	defer wrong.Body.Close()
	page, err = io.ReadAll(wrong.Body)
	require.NoError(t, err)
	assert.Contains(t, string(page), "Invalid code")

	right, err := env.client.PostForm(env.ts.URL+"/login/mfa/callback", url.Values{
		"state":    {state},
		"mfa_code": {testMFACode},
	})
	require.NoError(t, err)
	right.Body.Close()
	code, _ := codeFromRedirect(t, right)
	require.NotEmpty(t, code)
	assert.Equal(t, 1, auth.logins)
	assert.Equal(t, 2, auth.resumes)

	tokenResp, _ := env.exchangeCode(t, clientID, code, verifier)
	assert.Equal(t, http.StatusOK, tokenResp.StatusCode)
}

func TestMFAWithUnknownState(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{requireMFA: true})

	resp, err := env.client.PostForm(env.ts.URL+"/login/mfa/callback", url.Values{
		"state":    {"never-issued"},
		"mfa_code": {testMFACode},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestMFAPage(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{requireMFA: true})
	clientID := env.registerClient(t)
	_, state := env.startAuthorization(t, clientID, pkceChallenge("v-0123456789abcdefghijklmnopqrstuv"))

	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	// The challenge survives a page reload.
	for i := 0; i < 2; i++ {
		form, err := env.client.Get(env.ts.URL + "/login/mfa?state=" + url.QueryEscape(state))
		require.NoError(t, err)
		page, readErr := io.ReadAll(form.Body)
		form.Body.Close()
		require.NoError(t, readErr)
		require.Equal(t, http.StatusOK, form.StatusCode)
		assert.Contains(t, string(page), "Verification required")
	}

	// An unknown state renders the terminal expired page.
	stale, err := env.client.Get(env.ts.URL + "/login/mfa?state=never-issued")
	require.NoError(t, err)
	defer stale.Body.Close()
	assert.Equal(t, http.StatusGone, stale.StatusCode)

	// A missing state is a malformed request, not an expired flow.
	missing, err := env.client.Get(env.ts.URL + "/login/mfa")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestRefreshTokenRotation(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)

	verifier := "rot-verifier-0123456789abcdefghijklmnopqrst"
	_, state := env.startAuthorization(t, clientID, pkceChallenge(verifier))
	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	code, _ := codeFromRedirect(t, resp)
	tokenResp, body := env.exchangeCode(t, clientID, code, verifier)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	refresh := body["refresh_token"].(string)

	// The stored grant is readable through the client-scoped accessor, and
	// only for the client it was minted for.
	client, err := env.provider.GetClient(clientID)
	require.NoError(t, err)
	stored, err := env.provider.LoadRefreshToken(client, refresh)
	require.NoError(t, err)
	assert.Equal(t, []string{"garmin"}, stored.Scopes)
	_, err = env.provider.LoadRefreshToken(&store.Client{ClientID: "client_other"}, refresh)
	assert.ErrorIs(t, err, store.ErrNotFound)

	refreshResp, err := env.client.PostForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refresh},
	})
	require.NoError(t, err)
	defer refreshResp.Body.Close()
	require.Equal(t, http.StatusOK, refreshResp.StatusCode)
	var rotated map[string]any
	require.NoError(t, json.NewDecoder(refreshResp.Body).Decode(&rotated))
	assert.NotEmpty(t, rotated["access_token"])
	assert.NotEqual(t, refresh, rotated["refresh_token"])
	assert.Equal(t, "garmin", rotated["scope"])

	// The old refresh token is spent.
	replay, err := env.client.PostForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refresh},
	})
	require.NoError(t, err)
	defer replay.Body.Close()
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
}

func TestRefreshRejectsWiderScope(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)

	verifier := "scope-verifier-0123456789abcdefghijklmnopqr"
	_, state := env.startAuthorization(t, clientID, pkceChallenge(verifier))
	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	code, _ := codeFromRedirect(t, resp)
	_, body := env.exchangeCode(t, clientID, code, verifier)
	refresh := body["refresh_token"].(string)

	wider, err := env.client.PostForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refresh},
		"scope":         {"garmin admin"},
	})
	require.NoError(t, err)
	defer wider.Body.Close()
	require.Equal(t, http.StatusBadRequest, wider.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(wider.Body).Decode(&errBody))
	assert.Equal(t, "invalid_scope", errBody["error"])

	// A rejected scope request must not burn the refresh token.
	again, err := env.client.PostForm(env.ts.URL+"/token", url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refresh},
		"scope":         {"garmin"},
	})
	require.NoError(t, err)
	defer again.Body.Close()
	assert.Equal(t, http.StatusOK, again.StatusCode)
}

func TestRevokeToken(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)

	verifier := "rev-verifier-0123456789abcdefghijklmnopqrst"
	_, state := env.startAuthorization(t, clientID, pkceChallenge(verifier))
	resp := env.submitLogin(t, state, testEmail, testPassword)
	resp.Body.Close()
	code, _ := codeFromRedirect(t, resp)
	_, body := env.exchangeCode(t, clientID, code, verifier)
	access := body["access_token"].(string)

	revoke, err := env.client.PostForm(env.ts.URL+"/revoke", url.Values{"token": {access}})
	require.NoError(t, err)
	revoke.Body.Close()
	require.Equal(t, http.StatusOK, revoke.StatusCode)

	_, err = env.provider.LoadAccessToken(access)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Revoking an unknown token still answers 200.
	revoke, err = env.client.PostForm(env.ts.URL+"/revoke", url.Values{"token": {"missing"}})
	require.NoError(t, err)
	revoke.Body.Close()
	assert.Equal(t, http.StatusOK, revoke.StatusCode)
}

func TestAuthorizeValidation(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})
	clientID := env.registerClient(t)

	cases := []struct {
		name  string
		query url.Values
	}{
		{"unknown client", url.Values{
			"response_type": {"code"},
			"client_id":     {"client_ghost"},
		}},
		{"unregistered redirect", url.Values{
			"response_type":         {"code"},
			"client_id":             {clientID},
			"redirect_uri":          {"https://evil.example.com/cb"},
			"code_challenge":        {"x"},
			"code_challenge_method": {"S256"},
		}},
		{"missing pkce for public client", url.Values{
			"response_type": {"code"},
			"client_id":     {clientID},
			"redirect_uri":  {"https://app.example.com/callback"},
		}},
		{"plain pkce method", url.Values{
			"response_type":         {"code"},
			"client_id":             {clientID},
			"redirect_uri":          {"https://app.example.com/callback"},
			"code_challenge":        {"x"},
			"code_challenge_method": {"plain"},
		}},
		{"wrong response type", url.Values{
			"response_type": {"token"},
			"client_id":     {clientID},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := env.client.Get(env.ts.URL + "/authorize?" + tc.query.Encode())
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestWellKnownMetadata(t *testing.T) {
	env := newTestEnv(t, &stubAuthenticator{})

	resp, err := env.client.Get(env.ts.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, env.ts.URL, meta["issuer"])
	assert.Equal(t, env.ts.URL+"/authorize", meta["authorization_endpoint"])
	assert.Equal(t, env.ts.URL+"/token", meta["token_endpoint"])
}
