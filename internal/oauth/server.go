package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fitsync/garmin-mcp/internal/store"
)

// Server exposes the OAuth 2.1 HTTP endpoints over a Provider.
type Server struct {
	provider *Provider
}

// NewServer creates the endpoint layer.
func NewServer(provider *Provider) *Server {
	return &Server{provider: provider}
}

// Routes mounts every OAuth and login endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleWellKnown)
	mux.HandleFunc("/authorize", s.HandleAuthorize)
	mux.HandleFunc("/token", s.HandleToken)
	mux.HandleFunc("/register", s.HandleRegister)
	mux.HandleFunc("/revoke", s.HandleRevoke)
	mux.HandleFunc("GET /login", s.provider.HandleLoginPage)
	mux.HandleFunc("POST /login/callback", s.provider.HandleLoginSubmit)
	mux.HandleFunc("GET /login/mfa", s.provider.HandleMFAPage)
	mux.HandleFunc("POST /login/mfa/callback", s.provider.HandleMFASubmit)
}

// HandleWellKnown serves authorization server discovery metadata.
func (s *Server) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := s.provider.cfg.ServerURL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"registration_endpoint":                 issuer + "/register",
		"revocation_endpoint":                   issuer + "/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"scopes_supported":                      []string{s.provider.cfg.Scope},
	})
}

// HandleAuthorize starts the authorization-code flow: the request is
// validated against the client registration and the browser is sent to the
// login page. GET /authorize
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	if rt := query.Get("response_type"); rt != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}

	clientID := query.Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}
	client, err := s.provider.GetClient(clientID)
	if err != nil {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}

	// Never redirect to a URI the client did not register.
	redirectURI := query.Get("redirect_uri")
	explicit := redirectURI != ""
	if redirectURI == "" {
		if len(client.Metadata.RedirectURIs) != 1 {
			http.Error(w, "redirect_uri required", http.StatusBadRequest)
			return
		}
		redirectURI = client.Metadata.RedirectURIs[0]
	} else if !isRedirectAllowed(redirectURI, client.Metadata.RedirectURIs) {
		http.Error(w, "redirect_uri not registered", http.StatusBadRequest)
		return
	}

	codeChallenge := query.Get("code_challenge")
	method := strings.ToUpper(query.Get("code_challenge_method"))
	if codeChallenge == "" {
		if client.Metadata.TokenEndpointAuthMethod == "none" {
			http.Error(w, "PKCE S256 is required", http.StatusBadRequest)
			return
		}
	} else if method != "S256" {
		http.Error(w, "PKCE S256 is required", http.StatusBadRequest)
		return
	}

	scopes := splitScopeParam(query.Get("scope"))
	if len(scopes) == 0 {
		scopes = []string{s.provider.cfg.Scope}
	}

	loginURL, err := s.provider.Authorize(client, AuthorizationParams{
		Scopes:              scopes,
		CodeChallenge:       codeChallenge,
		RedirectURI:         redirectURI,
		RedirectURIExplicit: explicit,
		State:               query.Get("state"),
	})
	if err != nil {
		s.provider.logger.Error("start authorization", "client_id", clientID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, loginURL, http.StatusFound)
}

// HandleToken exchanges authorization codes and refresh tokens.
// POST /token
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code required")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	authCode, err := s.provider.LoadAuthorizationCode(client, code)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired code")
		return
	}

	// The redirect_uri parameter must repeat what the authorize request
	// used, and is only optional when it was defaulted there.
	redirectURI := r.FormValue("redirect_uri")
	if authCode.RedirectURIExplicit && redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri required")
		return
	}
	if redirectURI != "" && redirectURI != authCode.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if err := verifyPKCE(authCode.CodeChallenge, r.FormValue("code_verifier")); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	resp, err := s.provider.ExchangeAuthorizationCode(r.Context(), client, code)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired code")
			return
		}
		s.provider.logger.Error("exchange authorization code", "client_id", client.ClientID, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token required")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	resp, err := s.provider.ExchangeRefreshToken(
		r.Context(), client, refreshToken, splitScopeParam(r.FormValue("scope")))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidGrant):
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired refresh_token")
		case errors.Is(err, ErrInvalidScope):
			writeOAuthError(w, http.StatusBadRequest, "invalid_scope", "requested scope exceeds original grant")
		default:
			s.provider.logger.Error("exchange refresh token", "client_id", client.ClientID, "error", err)
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRegister performs dynamic client registration. POST /register
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RedirectURIs            []string `json:"redirect_uris"`
		ClientName              string   `json:"client_name"`
		GrantTypes              []string `json:"grant_types"`
		ResponseTypes           []string `json:"response_types"`
		Scope                   string   `json:"scope"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid JSON body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
			return
		}
	}

	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(req.ResponseTypes) == 0 {
		req.ResponseTypes = []string{"code"}
	}
	if req.TokenEndpointAuthMethod == "" {
		req.TokenEndpointAuthMethod = "none"
	}
	if req.Scope == "" {
		req.Scope = s.provider.cfg.Scope
	}

	clientID, err := randomID("client")
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	var clientSecret, clientSecretHash string
	if req.TokenEndpointAuthMethod != "none" {
		clientSecret, err = RandomToken(48)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
			return
		}
		clientSecretHash = string(hash)
	}

	meta := store.ClientMetadata{
		ClientName:              req.ClientName,
		ClientSecretHash:        clientSecretHash,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		Scope:                   req.Scope,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}
	if err := s.provider.RegisterClient(clientID, meta); err != nil {
		s.provider.logger.Error("register client", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	resp := map[string]any{
		"client_id":                  clientID,
		"client_id_issued_at":        time.Now().Unix(),
		"client_secret_expires_at":   0,
		"redirect_uris":              req.RedirectURIs,
		"grant_types":                req.GrantTypes,
		"response_types":             req.ResponseTypes,
		"token_endpoint_auth_method": req.TokenEndpointAuthMethod,
		"client_name":                req.ClientName,
		"scope":                      req.Scope,
	}
	if clientSecret != "" {
		resp["client_secret"] = clientSecret
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleRevoke deletes a token. Per RFC 7009 the response is 200 whether or
// not the token existed. POST /revoke
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "invalid form body")
		return
	}
	token := r.FormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "token required")
		return
	}
	if err := s.provider.RevokeToken(r.Context(), token); err != nil {
		s.provider.logger.Error("revoke token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) authenticateClient(r *http.Request) (*store.Client, error) {
	clientID := r.FormValue("client_id")
	if clientID == "" {
		return nil, fmt.Errorf("client_id required")
	}

	client, err := s.provider.GetClient(clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid client_id")
	}

	if client.Metadata.TokenEndpointAuthMethod == "none" {
		return client, nil
	}

	secret := r.FormValue("client_secret")
	if secret == "" {
		return nil, fmt.Errorf("client_secret required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.Metadata.ClientSecretHash), []byte(secret)); err != nil {
		return nil, fmt.Errorf("invalid client_secret")
	}
	return client, nil
}

func verifyPKCE(challenge, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		return fmt.Errorf("invalid code_verifier")
	}
	return nil
}

func isRedirectAllowed(redirectURI string, allowed []string) bool {
	for _, uri := range allowed {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func validateRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := strings.Split(parsed.Host, ":")[0]
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1") {
		return nil
	}
	return fmt.Errorf("redirect_uri must use https (or localhost http): %s", raw)
}

func splitScopeParam(scope string) []string {
	return strings.Fields(scope)
}

func randomID(prefix string) (string, error) {
	id, err := RandomToken(18)
	if err != nil {
		return "", err
	}
	return prefix + "_" + id, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}
