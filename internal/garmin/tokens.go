package garmin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	oauth1FileName = "oauth1_token.json"
	oauth2FileName = "oauth2_token.json"
)

// OAuth1Token is the long-lived token obtained from the Garmin SSO ticket
// exchange. It is the root credential a session can be rebuilt from.
type OAuth1Token struct {
	Token         string `json:"oauth_token"`
	TokenSecret   string `json:"oauth_token_secret"`
	MFAToken      string `json:"mfa_token,omitempty"`
	MFAExpiration int64  `json:"mfa_expiration_timestamp,omitempty"`
	Domain        string `json:"domain,omitempty"`
}

// OAuth2Token is the short-lived bearer token used against the Connect API.
type OAuth2Token struct {
	Scope                 string `json:"scope"`
	JTI                   string `json:"jti"`
	TokenType             string `json:"token_type"`
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	ExpiresIn             int64  `json:"expires_in"`
	ExpiresAt             int64  `json:"expires_at"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in,omitempty"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at,omitempty"`
}

// Expired reports whether the bearer token is past (or within a minute of)
// its expiry.
func (t *OAuth2Token) Expired() bool {
	return time.Now().Unix() > t.ExpiresAt-60
}

// TokenPair is a complete set of upstream session credentials.
type TokenPair struct {
	OAuth1 OAuth1Token
	OAuth2 OAuth2Token
}

// SaveTokens writes the pair as JSON files into dir, creating it if needed.
func SaveTokens(dir string, pair *TokenPair) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, oauth1FileName), pair.OAuth1); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, oauth2FileName), pair.OAuth2)
}

// LoadTokens reads a pair previously written by SaveTokens.
func LoadTokens(dir string) (*TokenPair, error) {
	var pair TokenPair
	if err := readJSON(filepath.Join(dir, oauth1FileName), &pair.OAuth1); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, oauth2FileName), &pair.OAuth2); err != nil {
		return nil, err
	}
	return &pair, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
