// Package oauth implements the embedded OAuth2 authorization server: client
// registration, the authorization-code-plus-PKCE flow, token issuance and
// rotation, and the Garmin login pages that sit in the middle of it.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fitsync/garmin-mcp/internal/events"
	"github.com/fitsync/garmin-mcp/internal/garmin"
	"github.com/fitsync/garmin-mcp/internal/session"
	"github.com/fitsync/garmin-mcp/internal/store"
)

// ErrLoginExpired is the terminal outcome for a state token that is
// unknown, expired, or already consumed. All three render the same page so
// the error cannot be used to probe for live tokens.
var ErrLoginExpired = errors.New("oauth: authorization expired")

// ErrInvalidGrant is returned when a code or token cannot be exchanged.
var ErrInvalidGrant = errors.New("oauth: invalid grant")

// ErrInvalidScope is returned when a refresh requests scopes beyond the
// original grant.
var ErrInvalidScope = errors.New("oauth: requested scope exceeds grant")

// Config holds the provider settings.
type Config struct {
	// ServerURL is the public base URL of this server, used to build the
	// login redirect and discovery metadata.
	ServerURL string
	// Scope is the single scope this server grants.
	Scope string
	// LoginTTL bounds how long a human has to finish the login+MFA flow.
	LoginTTL time.Duration
	// CodeTTL bounds how long an issued authorization code stays
	// exchangeable.
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

func (c *Config) applyDefaults() {
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.Scope == "" {
		c.Scope = "garmin"
	}
	if c.LoginTTL <= 0 {
		c.LoginTTL = 15 * time.Minute
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 5 * time.Minute
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
}

// AuthorizationParams is what a downstream client supplies to authorize.
type AuthorizationParams struct {
	Scopes              []string
	CodeChallenge       string
	RedirectURI         string
	RedirectURIExplicit bool
	// State is the client's own opaque state, replayed on the final
	// redirect.
	State string
}

// TokenResponse is the token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// Provider ties the durable store, the Garmin auth bridge, the pending-MFA
// registry and the session manager into one authorization server.
type Provider struct {
	cfg      Config
	store    *store.Store
	sessions *session.Manager
	auth     garmin.Authenticator
	events   *events.Publisher
	logger   *slog.Logger
	mfa      *mfaRegistry
}

// NewProvider wires a provider. events may be nil (auditing disabled).
func NewProvider(cfg Config, st *store.Store, sessions *session.Manager, auth garmin.Authenticator, pub *events.Publisher, logger *slog.Logger) *Provider {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		auth:     auth,
		events:   pub,
		logger:   logger,
		mfa:      newMFARegistry(),
	}
}

// RegisterClient upserts a client registration. Last write wins; never a
// conflict error.
func (p *Provider) RegisterClient(clientID string, meta store.ClientMetadata) error {
	return p.store.SaveClient(clientID, meta)
}

// GetClient returns a registered client or store.ErrNotFound.
func (p *Provider) GetClient(clientID string) (*store.Client, error) {
	return p.store.GetClient(clientID)
}

// Authorize records the authorization attempt as a placeholder code row with
// no user and returns the login URL the human should be sent to. This is the
// only place a downstream authorization attempt enters the system.
func (p *Provider) Authorize(client *store.Client, params AuthorizationParams) (string, error) {
	state, err := RandomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}

	err = p.store.SavePendingAuthorization(&store.AuthCode{
		CodeHash:            HashToken(state),
		ClientID:            client.ClientID,
		Scopes:              params.Scopes,
		CodeChallenge:       params.CodeChallenge,
		RedirectURI:         params.RedirectURI,
		RedirectURIExplicit: params.RedirectURIExplicit,
		ClientState:         params.State,
		ExpiresAt:           time.Now().Add(p.cfg.LoginTTL),
	})
	if err != nil {
		return "", err
	}
	return p.cfg.ServerURL + "/login?state=" + url.QueryEscape(state), nil
}

// LoadAuthorizationCode returns the code descriptor only when it belongs to
// the client, has completed login, and has not expired. Codes of other
// clients are indistinguishable from absent ones.
func (p *Provider) LoadAuthorizationCode(client *store.Client, code string) (*store.AuthCode, error) {
	return p.store.GetAuthorizationCode(client.ClientID, HashToken(code))
}

// ExchangeAuthorizationCode consumes the code (single use) and mints an
// access/refresh token pair bound to the code's user and scopes.
func (p *Provider) ExchangeAuthorizationCode(ctx context.Context, client *store.Client, code string) (*TokenResponse, error) {
	row, err := p.store.ConsumeAuthCode(HashToken(code))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	if row.ClientID != client.ClientID || row.UserID == "" || row.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidGrant
	}
	return p.mintTokens(ctx, client.ClientID, row.UserID, row.Scopes)
}

// LoadAccessToken performs an expiry-checked read and re-asserts the
// token→user mapping, which rebuilds the session manager's map after a
// restart.
func (p *Provider) LoadAccessToken(token string) (*store.AccessToken, error) {
	t, err := p.store.GetAccessToken(HashToken(token))
	if err != nil {
		return nil, err
	}
	if t.UserID != "" && p.sessions != nil {
		p.sessions.MapTokenToUser(token, t.UserID)
	}
	return t, nil
}

// LoadRefreshToken performs an expiry-checked read scoped to the client.
func (p *Provider) LoadRefreshToken(client *store.Client, token string) (*store.RefreshToken, error) {
	return p.store.GetRefreshToken(client.ClientID, HashToken(token))
}

// ExchangeRefreshToken rotates a refresh token: the old token is consumed
// (single use) and a fresh access/refresh pair is minted. With no requested
// scopes the original grant carries forward; requested scopes must be a
// subset of the original grant.
func (p *Provider) ExchangeRefreshToken(ctx context.Context, client *store.Client, token string, requestedScopes []string) (*TokenResponse, error) {
	current, err := p.LoadRefreshToken(client, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}

	scopes := current.Scopes
	if len(requestedScopes) > 0 {
		if !scopeSubset(requestedScopes, current.Scopes) {
			return nil, ErrInvalidScope
		}
		scopes = requestedScopes
	}

	if _, err := p.store.ConsumeRefreshToken(HashToken(token)); err != nil {
		// A concurrent rotation won the race; the token is spent.
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, err
	}
	return p.mintTokens(ctx, client.ClientID, current.UserID, scopes)
}

// RevokeToken deletes the value from both token tables unconditionally.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	if err := p.store.RevokeToken(HashToken(token)); err != nil {
		return err
	}
	p.events.Publish(ctx, events.TypeTokenRevoked, "", "", "")
	return nil
}

// CompleteLogin turns a successful upstream login into a real authorization
// code: the placeholder row for the state token is consumed, a fresh code is
// minted for the user, and the downstream redirect URL is returned.
// Replaying a consumed state fails with ErrLoginExpired, same as an unknown
// one.
func (p *Provider) CompleteLogin(state, userID string) (string, error) {
	code, err := RandomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate authorization code: %w", err)
	}

	row, err := p.store.CompleteAuthorization(
		HashToken(state), userID, HashToken(code), time.Now().Add(p.cfg.CodeTTL))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStateConsumed):
			p.logger.Warn("authorization state replayed", "state_prefix", prefix(state))
			return "", ErrLoginExpired
		case errors.Is(err, store.ErrNotFound):
			p.logger.Warn("authorization state unknown or expired", "state_prefix", prefix(state))
			return "", ErrLoginExpired
		default:
			return "", err
		}
	}

	return buildRedirect(row.RedirectURI, code, row.ClientState), nil
}

func (p *Provider) mintTokens(ctx context.Context, clientID, userID string, scopes []string) (*TokenResponse, error) {
	access, err := RandomToken(48)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	refresh, err := RandomToken(48)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := time.Now()
	if err := p.store.SaveAccessToken(&store.AccessToken{
		TokenHash: HashToken(access),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(p.cfg.AccessTokenTTL),
	}); err != nil {
		return nil, err
	}
	if err := p.store.SaveRefreshToken(&store.RefreshToken{
		TokenHash: HashToken(refresh),
		ClientID:  clientID,
		UserID:    userID,
		Scopes:    scopes,
		ExpiresAt: now.Add(p.cfg.RefreshTokenTTL),
	}); err != nil {
		return nil, err
	}

	if userID != "" && p.sessions != nil {
		p.sessions.MapTokenToUser(access, userID)
	}
	p.events.Publish(ctx, events.TypeTokenIssued, clientID, userID, "")

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        strings.Join(scopes, " "),
	}, nil
}

func scopeSubset(requested, granted []string) bool {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := have[s]; !ok {
			return false
		}
	}
	return true
}

func buildRedirect(base, code, clientState string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if clientState != "" {
		q.Set("state", clientState)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// prefix shortens a secret for log lines.
func prefix(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
