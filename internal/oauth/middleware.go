package oauth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	tokenContextKey  contextKey = "oauth_token"
	userIDContextKey contextKey = "oauth_user_id"
)

// TokenFromContext returns the raw bearer token the middleware validated.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey).(string)
	return token
}

// UserIDFromContext returns the user the validated token belongs to.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDContextKey).(string)
	return userID
}

// RequireToken wraps next so only requests carrying a valid unexpired bearer
// token for the configured scope get through. The token and its user land in
// the request context for the tool handlers.
func (s *Server) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			s.challenge(w, "invalid_request", "missing bearer token")
			return
		}

		token, err := s.provider.LoadAccessToken(raw)
		if err != nil {
			s.challenge(w, "invalid_token", "invalid or expired token")
			return
		}
		if !hasScope(token.Scopes, s.provider.cfg.Scope) {
			s.challenge(w, "insufficient_scope", "token lacks required scope")
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, raw)
		ctx = context.WithValue(ctx, userIDContextKey, token.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ContextFromRequest copies the middleware's token and user values from the
// HTTP request context into the MCP session context, so tool handlers see
// them regardless of how the transport derives its context.
func ContextFromRequest(ctx context.Context, r *http.Request) context.Context {
	if token := TokenFromContext(r.Context()); token != "" {
		ctx = context.WithValue(ctx, tokenContextKey, token)
	}
	if userID := UserIDFromContext(r.Context()); userID != "" {
		ctx = context.WithValue(ctx, userIDContextKey, userID)
	}
	return ctx
}

func (s *Server) challenge(w http.ResponseWriter, code, description string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer resource_metadata="`+s.provider.cfg.ServerURL+`/.well-known/oauth-authorization-server", error="`+code+`"`)
	status := http.StatusUnauthorized
	if code == "insufficient_scope" {
		status = http.StatusForbidden
	}
	writeOAuthError(w, status, code, description)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
