// Package garmin implements the Garmin Connect SSO handshake and a thin
// client for the Connect API.
package garmin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/oauth1"
)

// ErrInvalidCredentials is returned when Garmin rejects the email/password
// or the MFA code. The message is safe to base a user-facing error on.
var ErrInvalidCredentials = errors.New("garmin: invalid credentials")

const (
	ssoBaseURL     = "https://sso.garmin.com/sso"
	ssoEmbedURL    = ssoBaseURL + "/embed"
	connectAPIURL  = "https://connectapi.garmin.com"
	mobileUA       = "com.garmin.android.apps.connectmobile"
	requestTimeout = 30 * time.Second
)

// Published OAuth1 consumer credentials. A var so tests can point it at a
// local server.
var consumerURL = "https://thegarth.s3.amazonaws.com/oauth_consumer.json"

// ResumeState carries the suspended login attempt across the MFA round
// trip. Opaque to everything outside this package.
type ResumeState struct {
	client *http.Client
	csrf   string
	email  string
}

// Email returns the account identifier the suspended attempt belongs to.
func (s *ResumeState) Email() string { return s.email }

// LoginResult is the outcome of the password step: either a full token pair
// or a resume state for the MFA step. Exactly one field is non-nil.
type LoginResult struct {
	Tokens *TokenPair
	MFA    *ResumeState
}

// Authenticator performs the vendor login handshake. Both calls block on
// network I/O; pass a context with a deadline where that matters.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*LoginResult, error)
	ResumeLogin(ctx context.Context, state *ResumeState, mfaCode string) (*TokenPair, error)
}

// SSOAuthenticator implements Authenticator against the production Garmin
// SSO endpoints.
type SSOAuthenticator struct {
	logger *slog.Logger
}

// NewSSOAuthenticator returns an authenticator logging through logger.
func NewSSOAuthenticator(logger *slog.Logger) *SSOAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSOAuthenticator{logger: logger}
}

var (
	csrfRe   = regexp.MustCompile(`name="_csrf"\s+value="([^"]+)"`)
	titleRe  = regexp.MustCompile(`<title>(.+?)</title>`)
	ticketRe = regexp.MustCompile(`embed\?ticket=([^"]+)"`)
)

// Login runs the password step. On success the returned result carries
// tokens; when Garmin demands a one-time code it carries a ResumeState
// instead and the caller must follow up with ResumeLogin.
func (a *SSOAuthenticator) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	hc := &http.Client{Jar: jar, Timeout: requestTimeout}

	embedParams := url.Values{
		"id":          {"gauth-widget"},
		"embedWidget": {"true"},
		"gauthHost":   {ssoBaseURL},
	}
	if _, err := a.get(ctx, hc, ssoEmbedURL, embedParams, ""); err != nil {
		return nil, fmt.Errorf("sso embed: %w", err)
	}

	signinURL := ssoBaseURL + "/signin"
	signinParams := url.Values{
		"id":                              {"gauth-widget"},
		"embedWidget":                     {"true"},
		"gauthHost":                       {ssoEmbedURL},
		"service":                         {ssoEmbedURL},
		"source":                          {ssoEmbedURL},
		"redirectAfterAccountLoginUrl":    {ssoEmbedURL},
		"redirectAfterAccountCreationUrl": {ssoEmbedURL},
	}
	page, err := a.get(ctx, hc, signinURL, signinParams, "")
	if err != nil {
		return nil, fmt.Errorf("sso signin page: %w", err)
	}
	csrf := firstMatch(csrfRe, page)
	if csrf == "" {
		return nil, fmt.Errorf("sso signin page: csrf token not found")
	}

	form := url.Values{
		"username": {email},
		"password": {password},
		"embed":    {"true"},
		"_csrf":    {csrf},
	}
	referer := signinURL + "?" + signinParams.Encode()
	body, err := a.post(ctx, hc, signinURL, signinParams, form, referer)
	if err != nil {
		return nil, fmt.Errorf("sso signin submit: %w", err)
	}

	title := firstMatch(titleRe, body)
	switch {
	case title == "Success":
		pair, err := a.exchangeTicket(ctx, hc, body)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Tokens: pair}, nil
	case strings.Contains(title, "MFA"):
		// Garmin re-issues the csrf token on the MFA page.
		mfaCsrf := firstMatch(csrfRe, body)
		if mfaCsrf == "" {
			mfaCsrf = csrf
		}
		return &LoginResult{MFA: &ResumeState{client: hc, csrf: mfaCsrf, email: email}}, nil
	default:
		a.logger.Warn("garmin signin rejected", "title", title)
		return nil, ErrInvalidCredentials
	}
}

// ResumeLogin completes a suspended login with the one-time code.
func (a *SSOAuthenticator) ResumeLogin(ctx context.Context, state *ResumeState, mfaCode string) (*TokenPair, error) {
	if state == nil || state.client == nil {
		return nil, errors.New("garmin: nil resume state")
	}

	verifyURL := ssoBaseURL + "/verifyMFA/loginEnterMfaCode"
	params := url.Values{
		"id":          {"gauth-widget"},
		"embedWidget": {"true"},
		"gauthHost":   {ssoEmbedURL},
	}
	form := url.Values{
		"mfa-code": {mfaCode},
		"embed":    {"true"},
		"_csrf":    {state.csrf},
		"fromPage": {"setupEnterMfaCode"},
	}
	body, err := a.post(ctx, state.client, verifyURL, params, form, verifyURL)
	if err != nil {
		return nil, fmt.Errorf("sso mfa submit: %w", err)
	}
	if !strings.Contains(body, "ticket=") {
		a.logger.Warn("garmin mfa verification rejected")
		return nil, ErrInvalidCredentials
	}
	return a.exchangeTicket(ctx, state.client, body)
}

// exchangeTicket turns a successful SSO response into an OAuth1+OAuth2 pair.
func (a *SSOAuthenticator) exchangeTicket(ctx context.Context, hc *http.Client, body string) (*TokenPair, error) {
	ticket := firstMatch(ticketRe, body)
	if ticket == "" {
		return nil, fmt.Errorf("sso response: ticket not found")
	}

	config, err := consumerConfig(ctx,
		os.Getenv("GARMIN_OAUTH_CONSUMER_KEY"), os.Getenv("GARMIN_OAUTH_CONSUMER_SECRET"))
	if err != nil {
		return nil, err
	}

	oauth1Token, err := fetchOAuth1Token(ctx, config, ticket)
	if err != nil {
		return nil, err
	}
	oauth2Token, err := ExchangeOAuth1(ctx, config, oauth1Token)
	if err != nil {
		return nil, err
	}
	return &TokenPair{OAuth1: *oauth1Token, OAuth2: *oauth2Token}, nil
}

var consumerCache struct {
	mu     sync.Mutex
	key    string
	secret string
}

// consumerConfig resolves the OAuth1 consumer credentials, preferring the
// overrides and falling back to the published set. The published set is
// cached after the first successful fetch; a failed fetch is retried on
// the next call.
func consumerConfig(ctx context.Context, keyOverride, secretOverride string) (*oauth1.Config, error) {
	if keyOverride != "" {
		return &oauth1.Config{ConsumerKey: keyOverride, ConsumerSecret: secretOverride}, nil
	}
	consumerCache.mu.Lock()
	defer consumerCache.mu.Unlock()
	if consumerCache.key == "" {
		key, secret, err := fetchConsumerCredentials(ctx)
		if err != nil {
			return nil, err
		}
		consumerCache.key = key
		consumerCache.secret = secret
	}
	return &oauth1.Config{ConsumerKey: consumerCache.key, ConsumerSecret: consumerCache.secret}, nil
}

func fetchConsumerCredentials(ctx context.Context) (key, secret string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, consumerURL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch oauth consumer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch oauth consumer: status %d", resp.StatusCode)
	}
	var payload struct {
		ConsumerKey    string `json:"consumer_key"`
		ConsumerSecret string `json:"consumer_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", "", fmt.Errorf("parse oauth consumer: %w", err)
	}
	if payload.ConsumerKey == "" {
		return "", "", fmt.Errorf("oauth consumer response missing key")
	}
	return payload.ConsumerKey, payload.ConsumerSecret, nil
}

func fetchOAuth1Token(ctx context.Context, config *oauth1.Config, ticket string) (*OAuth1Token, error) {
	signed := config.Client(ctx, oauth1.NewToken("", ""))
	signed.Timeout = requestTimeout

	u := fmt.Sprintf(
		"%s/oauth-service/oauth/preauthorized?ticket=%s&login-url=%s&accepts-mfa-tokens=true",
		connectAPIURL, url.QueryEscape(ticket), url.QueryEscape(ssoEmbedURL),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", mobileUA)

	resp, err := signed.Do(req)
	if err != nil {
		return nil, fmt.Errorf("preauthorized token request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("preauthorized token request: status %d", resp.StatusCode)
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse preauthorized response: %w", err)
	}
	token := &OAuth1Token{
		Token:       values.Get("oauth_token"),
		TokenSecret: values.Get("oauth_token_secret"),
		MFAToken:    values.Get("mfa_token"),
		Domain:      "garmin.com",
	}
	if token.Token == "" || token.TokenSecret == "" {
		return nil, fmt.Errorf("preauthorized response missing oauth token")
	}
	return token, nil
}

// ExchangeOAuth1 trades a long-lived OAuth1 token for a fresh Connect API
// bearer token. Also used to refresh an expired session without touching SSO.
func ExchangeOAuth1(ctx context.Context, config *oauth1.Config, token *OAuth1Token) (*OAuth2Token, error) {
	signed := config.Client(ctx, oauth1.NewToken(token.Token, token.TokenSecret))
	signed.Timeout = requestTimeout

	form := url.Values{}
	if token.MFAToken != "" {
		form.Set("mfa_token", token.MFAToken)
	}
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost,
		connectAPIURL+"/oauth-service/oauth/exchange/user/2.0",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", mobileUA)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := signed.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth exchange request: status %d", resp.StatusCode)
	}

	var out OAuth2Token
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse oauth exchange response: %w", err)
	}
	now := time.Now().Unix()
	out.ExpiresAt = now + out.ExpiresIn
	if out.RefreshTokenExpiresIn > 0 {
		out.RefreshTokenExpiresAt = now + out.RefreshTokenExpiresIn
	}
	return &out, nil
}

func (a *SSOAuthenticator) get(ctx context.Context, hc *http.Client, rawURL string, params url.Values, referer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	return a.do(hc, req, referer)
}

func (a *SSOAuthenticator) post(ctx context.Context, hc *http.Client, rawURL string, params url.Values, form url.Values, referer string) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, rawURL+"?"+params.Encode(), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(hc, req, referer)
}

func (a *SSOAuthenticator) do(hc *http.Client, req *http.Request, referer string) (string, error) {
	req.Header.Set("User-Agent", mobileUA)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("garmin sso: status %d", resp.StatusCode)
	}
	return string(body), nil
}

func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
