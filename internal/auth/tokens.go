// Package auth implements the token authority: JWT access/refresh
// pairs, bcrypt password hashing, and a redis-backed revocation list
// consulted on every verification.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xteam/backend/internal/core"
)

// TokenType distinguishes the two halves of a token pair.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the JWT payload carried by both token types.
type Claims struct {
	TokenType TokenType `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is what login, register, and refresh return.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Issuer mints and parses HS256-signed bearer tokens.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIssuer builds an issuer from the configured TTLs.
func NewIssuer(secret string, accessMinutes, refreshDays int) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  time.Duration(accessMinutes) * time.Minute,
		refreshTTL: time.Duration(refreshDays) * 24 * time.Hour,
	}
}

// RefreshTTL is the refresh-token lifetime, used as the TTL for
// per-user mass revocation markers.
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

// Mint signs a token of the given type for the user.
func (i *Issuer) Mint(userID string, typ TokenType) (string, error) {
	ttl := i.accessTTL
	if typ == TokenRefresh {
		ttl = i.refreshTTL
	}
	now := time.Now()
	claims := Claims{
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// IssuePair mints a fresh access + refresh pair for the user.
func (i *Issuer) IssuePair(userID string) (*TokenPair, error) {
	access, err := i.Mint(userID, TokenAccess)
	if err != nil {
		return nil, err
	}
	refresh, err := i.Mint(userID, TokenRefresh)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

// Parse verifies signature and expiry and returns the claims. Any
// failure wraps core.ErrUnauthorized.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", core.ErrUnauthorized)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims: %w", core.ErrUnauthorized)
	}
	return claims, nil
}
