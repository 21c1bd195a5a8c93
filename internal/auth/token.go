// Package auth issues and validates the signed bearer tokens the API and
// websocket endpoints authenticate with.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/avolkhin/herald/internal/domain"
	"github.com/avolkhin/herald/internal/pkg/httputil"
)

// ErrInvalidToken is returned for tokens that are malformed, expired, or
// signed with the wrong key.
var ErrInvalidToken = errors.New("invalid token")

// Config holds token signing settings.
type Config struct {
	Secret        string
	TokenDuration time.Duration
	Issuer        string
}

// Claims carries the authenticated identity inside a token.
type Claims struct {
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 bearer tokens.
type TokenManager struct {
	config Config
}

var _ httputil.TokenValidator = (*TokenManager)(nil)

// NewTokenManager creates a token manager. The secret is required; short
// secrets are rejected because HS256 is only as strong as the key.
func NewTokenManager(config Config) (*TokenManager, error) {
	if len(config.Secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if config.TokenDuration == 0 {
		config.TokenDuration = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "herald"
	}
	return &TokenManager{config: config}, nil
}

// Issue creates a signed token for the user.
func (m *TokenManager) Issue(userID string, role domain.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TokenDuration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies the token and returns the identity it carries.
func (m *TokenManager) ValidateToken(ctx context.Context, tokenString string) (string, domain.Role, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(m.config.Issuer))
	if err != nil || !token.Valid {
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.UserID == "" {
		return "", "", ErrInvalidToken
	}

	role := claims.Role
	if role == "" {
		role = domain.RoleUser
	}
	return claims.UserID, role, nil
}
