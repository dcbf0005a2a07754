package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/coretask/boardqueue/internal/config"
)

// authContextKey is the context key type for the authenticated caller.
type authContextKey struct{}

// AuthMiddleware validates bearer tokens against the configured set of
// users. Workers additionally send X-Worker-Id alongside the same bearer
// token (SPEC_FULL Open Question #3); that header is read downstream by
// the worker handlers, not here.
type AuthMiddleware struct {
	tokens  map[string]string // token -> user_id
	enabled bool
	mu      sync.RWMutex
}

// NewAuthMiddleware creates an auth middleware from config. Auth is
// enabled whenever at least one token is configured.
func NewAuthMiddleware(tokens []config.AuthToken) *AuthMiddleware {
	am := &AuthMiddleware{
		tokens:  make(map[string]string, len(tokens)),
		enabled: len(tokens) > 0,
	}
	for _, t := range tokens {
		am.tokens[t.Token] = t.UserID
	}
	return am
}

// Wrap wraps an http.Handler with bearer token authentication checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractBearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		am.mu.RLock()
		userID, ok := am.lookupToken(token)
		am.mu.RUnlock()

		if !ok {
			http.Error(w, `{"error":"invalid bearer token"}`, http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearerToken pulls the token from Authorization: Bearer <token>,
// falling back to a token query parameter for the WebSocket stream
// endpoint where custom headers are awkward for browser clients to set.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// lookupToken uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupToken(candidate string) (string, bool) {
	for token, userID := range am.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return userID, true
		}
	}
	return "", false
}

// UserIDFromContext retrieves the authenticated caller's user ID from
// context.
func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(authContextKey{}).(string)
	return userID
}
