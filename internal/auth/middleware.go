package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Middleware provides HTTP middleware for authentication
type Middleware struct {
	authenticator *Authenticator
	onFailure     func(r *http.Request, err error)
}

// NewMiddleware creates a new authentication middleware. onFailure, if not
// nil, is called for every rejected request.
func NewMiddleware(authenticator *Authenticator, onFailure func(r *http.Request, err error)) *Middleware {
	return &Middleware{
		authenticator: authenticator,
		onFailure:     onFailure,
	}
}

// Handler returns an http.Handler that wraps the given handler with authentication
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.authenticator.Authenticate(r)
		if err != nil {
			if m.onFailure != nil {
				m.onFailure(r, err)
			}
			switch {
			case errors.Is(err, ErrNoCredentials):
				writeError(w, http.StatusUnauthorized, "authentication required")
			case errors.Is(err, ErrTokenExpired):
				writeError(w, http.StatusUnauthorized, "token expired")
			default:
				writeError(w, http.StatusUnauthorized, "invalid credentials")
			}
			return
		}

		if principal != nil {
			r = r.WithContext(WithPrincipal(r.Context(), principal))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny returns middleware that requires at least one of the specified roles
func RequireAny(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipalFromContext(r.Context())
			if principal == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			for _, role := range roles {
				if principal.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}

			writeError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}

// RequireRole returns middleware that requires a specific role
func RequireRole(role string) func(http.Handler) http.Handler {
	return RequireAny(role)
}
