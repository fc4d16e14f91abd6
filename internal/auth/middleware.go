// ABOUTME: HTTP middleware resolving bearer credentials to router identities
// ABOUTME: Accepts stored API tokens first, then HS256 JWTs as a fallback

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/mcp-router/internal/store"
)

// Authenticator resolves Authorization headers to identities. An opaque
// token that exists in the store wins; otherwise the value is tried as a
// JWT. When require is false, anonymous requests pass through with no
// identity attached.
type Authenticator struct {
	store    store.Store
	verifier TokenVerifier
	require  bool
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator over the store and verifier.
// verifier may be nil when JWT auth is not configured.
func NewAuthenticator(st store.Store, verifier TokenVerifier, require bool) *Authenticator {
	return &Authenticator{
		store:    st,
		verifier: verifier,
		require:  require,
		logger:   slog.Default().With("component", "auth"),
	}
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware wraps next with bearer authentication.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			if a.require {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		id, err := a.resolve(r, token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// resolve turns a bearer value into an identity. The token value itself is
// never logged.
func (a *Authenticator) resolve(r *http.Request, token string) (*Identity, error) {
	rec, err := a.store.ResolveAPIToken(r.Context(), token)
	if err == nil {
		return &Identity{UserID: rec.UserID, Scope: rec.Scope}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		a.logger.Error("api token lookup failed", "error", err)
		return nil, err
	}

	if a.verifier == nil {
		return nil, ErrInvalidToken
	}
	userID, err := a.verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID}, nil
}
