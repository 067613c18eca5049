package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Middleware validates the bearer token on every request, rejecting with 401
// when missing or invalid, and stores the resulting Claims in the request context.
func Middleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				writeAuthError(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				writeAuthError(w, fmt.Sprintf("invalid token: %s", err.Error()), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// MiddlewareWithExclusions applies Middleware to every path except those listed
// (health checks, metrics, and the agent execution callback use separate auth).
func MiddlewareWithExclusions(validator TokenValidator, excludedPaths []string) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(excludedPaths))
	for _, p := range excludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		guarded := Middleware(validator)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			guarded.ServeHTTP(w, r)
		})
	}
}

// OptionalMiddleware validates a token if present but allows anonymous requests
// through unauthenticated. An invalid token (as opposed to an absent one) is
// still rejected.
func OptionalMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				next.ServeHTTP(w, r)
				return
			}
			Middleware(validator)(next).ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects requests whose claims don't hold one of the given roles.
// Must run after Middleware in the chain.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeAuthError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.HasAnyRole(roles...) {
				writeAuthError(w, "forbidden: insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTeam rejects requests whose claims don't carry one of the given team ids.
func RequireTeam(teamIDs ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(teamIDs))
	for _, t := range teamIDs {
		allowed[t] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeAuthError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !allowed[claims.TeamID] {
				writeAuthError(w, "forbidden: access denied for this team", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token
		}
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

func writeAuthError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
