package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

type contextKey string

// ClaimsContextKey holds the validated *Claims on the request context
const ClaimsContextKey contextKey = "claims"

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

func withClaims(r *http.Request, claims *Claims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ClaimsContextKey, claims))
}

func deny(w http.ResponseWriter, r *http.Request, status int, reason string) {
	log.Debug().
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Int("status", status).
		Msg("Request rejected: " + reason)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

// AuthMiddleware rejects requests without a valid bearer token
func AuthMiddleware(jwtManager *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				deny(w, r, http.StatusUnauthorized, "missing or malformed bearer token")
				return
			}

			claims, err := jwtManager.ValidateToken(token)
			if err != nil {
				deny(w, r, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, withClaims(r, claims))
		})
	}
}

// RequireRole admits only operators holding one of roles. It must run behind
// AuthMiddleware.
func RequireRole(roles ...models.UserRole) func(http.Handler) http.Handler {
	allowed := make(map[models.UserRole]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaims(r)
			if !ok {
				deny(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if !allowed[claims.Role] {
				deny(w, r, http.StatusForbidden, "role "+string(claims.Role)+" may not perform this action")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OptionalAuthMiddleware attaches claims when a valid token is present and
// passes every request through
func OptionalAuthMiddleware(jwtManager *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := bearerToken(r); ok {
				if claims, err := jwtManager.ValidateToken(token); err == nil {
					r = withClaims(r, claims)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetClaims returns the claims AuthMiddleware attached to r
func GetClaims(r *http.Request) (*Claims, bool) {
	claims, ok := r.Context().Value(ClaimsContextKey).(*Claims)
	return claims, ok
}

// Username returns the authenticated operator, or "" when auth is disabled
func Username(r *http.Request) string {
	if claims, ok := GetClaims(r); ok {
		return claims.Username
	}
	return ""
}
