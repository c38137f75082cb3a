package garmin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
)

// Client is an authenticated Garmin Connect API session. It refreshes its
// bearer token from the OAuth1 root credential when it expires.
type Client struct {
	httpClient *http.Client

	mu          sync.Mutex
	tokens      TokenPair
	displayName string
}

// NewClient wraps an existing token pair.
func NewClient(pair *TokenPair) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		tokens:     *pair,
	}
}

// RestoreClient rebuilds a client from tokens previously persisted with
// SaveTokens. The bearer token is validated (and refreshed if expired) with
// a profile call before the client is returned, so a stale credential set
// fails here rather than on the first tool call.
func RestoreClient(ctx context.Context, dir string) (*Client, error) {
	pair, err := LoadTokens(dir)
	if err != nil {
		return nil, err
	}
	c := NewClient(pair)
	if _, err := c.UserProfile(ctx); err != nil {
		return nil, fmt.Errorf("validate restored session: %w", err)
	}
	return c, nil
}

// Tokens returns a copy of the current token pair, including any refreshed
// bearer token.
func (c *Client) Tokens() TokenPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tokens.OAuth2.Expired() {
		return c.tokens.OAuth2.AccessToken, nil
	}

	key := os.Getenv("GARMIN_OAUTH_CONSUMER_KEY")
	secret := os.Getenv("GARMIN_OAUTH_CONSUMER_SECRET")
	config, err := consumerConfig(ctx, key, secret)
	if err != nil {
		return "", err
	}
	refreshed, err := ExchangeOAuth1(ctx, config, &c.tokens.OAuth1)
	if err != nil {
		return "", fmt.Errorf("refresh bearer token: %w", err)
	}
	c.tokens.OAuth2 = *refreshed
	return c.tokens.OAuth2.AccessToken, nil
}

// apiGet performs an authenticated GET against the Connect API and returns
// the raw JSON body. Tool handlers pass it through untouched.
func (c *Client) apiGet(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	u := connectAPIURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", mobileUA)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect api %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("connect api %s: status %d", path, resp.StatusCode)
	}
	return json.RawMessage(body), nil
}

// UserProfile returns the social profile of the signed-in user.
func (c *Client) UserProfile(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.apiGet(ctx, "/userprofile-service/socialProfile", nil)
	if err != nil {
		return nil, err
	}

	var profile struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(raw, &profile); err == nil && profile.DisplayName != "" {
		c.mu.Lock()
		c.displayName = profile.DisplayName
		c.mu.Unlock()
	}
	return raw, nil
}

// Activities lists recent activities.
func (c *Client) Activities(ctx context.Context, start, limit int) (json.RawMessage, error) {
	q := url.Values{
		"start": {fmt.Sprint(start)},
		"limit": {fmt.Sprint(limit)},
	}
	return c.apiGet(ctx, "/activitylist-service/activities/search/activities", q)
}

// SleepData returns the daily sleep record for date (YYYY-MM-DD).
func (c *Client) SleepData(ctx context.Context, date string) (json.RawMessage, error) {
	name, err := c.resolveDisplayName(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{"date": {date}, "nonSleepBufferMinutes": {"60"}}
	return c.apiGet(ctx, "/wellness-service/wellness/dailySleepData/"+url.PathEscape(name), q)
}

// StepsDaily returns the step totals between two dates (YYYY-MM-DD).
func (c *Client) StepsDaily(ctx context.Context, startDate, endDate string) (json.RawMessage, error) {
	path := fmt.Sprintf("/usersummary-service/stats/steps/daily/%s/%s",
		url.PathEscape(startDate), url.PathEscape(endDate))
	return c.apiGet(ctx, path, nil)
}

// HeartRate returns the daily heart rate series for date (YYYY-MM-DD).
func (c *Client) HeartRate(ctx context.Context, date string) (json.RawMessage, error) {
	name, err := c.resolveDisplayName(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{"date": {date}}
	return c.apiGet(ctx, "/wellness-service/wellness/dailyHeartRate/"+url.PathEscape(name), q)
}

func (c *Client) resolveDisplayName(ctx context.Context) (string, error) {
	c.mu.Lock()
	name := c.displayName
	c.mu.Unlock()
	if name != "" {
		return name, nil
	}
	if _, err := c.UserProfile(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	name = c.displayName
	c.mu.Unlock()
	if name == "" {
		return "", fmt.Errorf("profile response missing displayName")
	}
	return name, nil
}
