package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims are the token claims: the registered set plus roles.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// TokenService issues and verifies HS256 bearer tokens.
type TokenService struct {
	config *Config
	parser *jwt.Parser
}

// NewTokenService creates a token service from config.
func NewTokenService(config *Config) (*TokenService, error) {
	if len(config.JWTSecret) == 0 {
		return nil, ErrNoSigningKey
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(config.JWTClockSkew),
		jwt.WithExpirationRequired(),
	}
	if config.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(config.JWTIssuer))
	}
	if config.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(config.JWTAudience))
	}

	return &TokenService{
		config: config,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Parse verifies a token and returns its principal.
func (s *TokenService) Parse(tokenString string) (*Principal, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.config.JWTSecret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	principal := &Principal{
		ID:    claims.Subject,
		Roles: claims.Roles,
	}
	if claims.IssuedAt != nil {
		principal.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

// Issue signs a token for subject with the given roles. A zero ttl uses the
// configured default lifetime.
func (s *TokenService) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.config.JWTExpiration
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    s.config.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	if s.config.JWTAudience != "" {
		claims.Audience = jwt.ClaimStrings{s.config.JWTAudience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
