package store

import "time"

// User is an identity tied to one Garmin Connect account. Created on first
// successful login for that email and never mutated afterwards.
type User struct {
	ID          string
	GarminEmail string
	CreatedAt   time.Time
}

// ClientMetadata is the registration payload kept for a downstream OAuth
// client. It is serialized as a JSON blob in the clients table so the schema
// does not chase the registration spec.
type ClientMetadata struct {
	ClientName              string   `json:"client_name,omitempty"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// Client is a registered downstream OAuth client.
type Client struct {
	ClientID  string
	Metadata  ClientMetadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuthCode is a row in the auth_codes table. The table serves two phases of
// the same flow: a placeholder created by authorize (UserID empty, the code
// value doubles as the login state token) and the real exchangeable code
// minted once the user has logged in (UserID set, fresh code value).
type AuthCode struct {
	CodeHash            string
	ClientID            string
	UserID              string // empty until login completes
	Scopes              []string
	CodeChallenge       string
	RedirectURI         string
	RedirectURIExplicit bool
	ClientState         string // downstream client's own state parameter
	ExpiresAt           time.Time
}

// AccessToken is an issued bearer token.
type AccessToken struct {
	TokenHash string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// RefreshToken is a single-use rotation token. A zero ExpiresAt means the
// token does not expire.
type RefreshToken struct {
	TokenHash string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}
