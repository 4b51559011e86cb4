// Package auth authenticates callers of the admin API with bearer tokens and
// authorizes them by role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Common errors for authentication
var (
	ErrNoCredentials = errors.New("no credentials provided")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrNoSigningKey  = errors.New("no signing key configured")
	ErrForbidden     = errors.New("access forbidden")
)

// ContextKey is the type for context keys
type ContextKey string

// ContextKeyPrincipal is the key for the authenticated principal in request context
const ContextKeyPrincipal ContextKey = "auth.principal"

// Roles understood by the admin API.
const (
	RoleAdmin      = "admin"      // everything
	RoleBilling    = "billing"    // activates subscriptions, triggers reconciliation
	RoleTechnician = "technician" // resolves outage tickets
	RoleGateway    = "gateway"    // chat gateway relaying customer replies
)

// Principal represents an authenticated caller
type Principal struct {
	ID        string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole checks if the principal has a specific role
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Config holds authentication configuration
type Config struct {
	JWTSecret     []byte        // HS256 signing secret
	JWTIssuer     string        // Expected issuer claim
	JWTAudience   string        // Expected audience claim
	JWTExpiration time.Duration // Default lifetime of issued tokens
	JWTClockSkew  time.Duration // Allowed clock skew for time-based claims

	AnonymousEndpoints []string // Paths served without credentials
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		JWTIssuer:          "meridian",
		JWTAudience:        "meridian-admin",
		JWTExpiration:      24 * time.Hour,
		JWTClockSkew:       time.Minute,
		AnonymousEndpoints: []string{"/health", "/ready"},
	}
}

// Authenticator handles authentication for HTTP requests
type Authenticator struct {
	config *Config
	tokens *TokenService
}

// NewAuthenticator creates a new authenticator with the given configuration
func NewAuthenticator(config *Config) (*Authenticator, error) {
	if config == nil {
		config = DefaultConfig()
	}

	tokens, err := NewTokenService(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	return &Authenticator{
		config: config,
		tokens: tokens,
	}, nil
}

// Tokens returns the token service backing the authenticator.
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}

// Authenticate extracts and validates credentials from the request. It
// returns a nil principal for anonymous endpoints.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if a.isAnonymousEndpoint(r.URL.Path) {
		return nil, nil
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrNoCredentials
	}
	return a.tokens.Parse(token)
}

func (a *Authenticator) isAnonymousEndpoint(path string) bool {
	for _, endpoint := range a.config.AnonymousEndpoints {
		if path == endpoint || strings.HasPrefix(path, endpoint+"/") {
			return true
		}
	}
	return false
}

// GetPrincipalFromContext retrieves the principal from request context
func GetPrincipalFromContext(ctx context.Context) *Principal {
	if principal, ok := ctx.Value(ContextKeyPrincipal).(*Principal); ok {
		return principal
	}
	return nil
}

// WithPrincipal adds a principal to the context
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, principal)
}

// ActorID returns the ID of the principal in ctx, or "" if anonymous.
func ActorID(ctx context.Context) string {
	if p := GetPrincipalFromContext(ctx); p != nil {
		return p.ID
	}
	return ""
}
