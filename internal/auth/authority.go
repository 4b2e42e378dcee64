package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/xteam/backend/internal/core"
)

// Authority combines the issuer and the blacklist into the single
// verification surface used by HTTP middleware and socket handshakes.
type Authority struct {
	issuer    *Issuer
	blacklist *Blacklist
}

func NewAuthority(issuer *Issuer, blacklist *Blacklist) *Authority {
	return &Authority{issuer: issuer, blacklist: blacklist}
}

func (a *Authority) Issuer() *Issuer { return a.issuer }

// VerifyAccess validates an access token end to end: signature,
// expiry, token type, then revocation.
func (a *Authority) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	claims, err := a.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenAccess {
		return nil, fmt.Errorf("not an access token: %w", core.ErrUnauthorized)
	}
	if a.blacklist.IsRevoked(ctx, token, claims.Subject) {
		return nil, fmt.Errorf("token revoked: %w", core.ErrUnauthorized)
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token for the /auth/refresh flow.
func (a *Authority) VerifyRefresh(ctx context.Context, token string) (*Claims, error) {
	claims, err := a.issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenRefresh {
		return nil, fmt.Errorf("not a refresh token: %w", core.ErrUnauthorized)
	}
	if a.blacklist.IsRevoked(ctx, token, claims.Subject) {
		return nil, fmt.Errorf("token revoked: %w", core.ErrUnauthorized)
	}
	return claims, nil
}

// Logout revokes the presented access token for its remaining
// lifetime.
func (a *Authority) Logout(ctx context.Context, token string) error {
	claims, err := a.issuer.Parse(token)
	if err != nil {
		return err
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	return a.blacklist.RevokeToken(ctx, token, remaining)
}

// LogoutAll revokes every outstanding token of the user.
func (a *Authority) LogoutAll(ctx context.Context, userID string) error {
	return a.blacklist.RevokeUser(ctx, userID, a.issuer.RefreshTTL())
}
