package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xteam/backend/internal/core"
)

func newTestAuthority(t *testing.T) (*Authority, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	issuer := NewIssuer("test-secret", 30, 7)
	return NewAuthority(issuer, NewBlacklist(rdb)), mr
}

func TestPasswordRoundTrip(t *testing.T) {
	// Cost 4 keeps the test fast; production uses DefaultBcryptCost.
	hash, err := HashPassword("Passw0rd", 4)
	require.NoError(t, err)

	assert.True(t, VerifyPassword("Passw0rd", hash))
	assert.False(t, VerifyPassword("passw0rd", hash))
	assert.False(t, VerifyPassword("", hash))
}

func TestIssuePairAndVerify(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	pair, err := authority.Issuer().IssuePair("user-1")
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)

	claims, err := authority.VerifyAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)

	// Refresh tokens are rejected at the access check and vice versa.
	_, err = authority.VerifyAccess(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = authority.VerifyRefresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	claims, err = authority.VerifyRefresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestVerifyRejectsForgedToken(t *testing.T) {
	authority, _ := newTestAuthority(t)

	other := NewIssuer("other-secret", 30, 7)
	forged, err := other.Mint("user-1", TokenAccess)
	require.NoError(t, err)

	_, err = authority.VerifyAccess(context.Background(), forged)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestLogoutRevokesUntilExpiry(t *testing.T) {
	authority, mr := newTestAuthority(t)
	ctx := context.Background()

	pair, err := authority.Issuer().IssuePair("user-1")
	require.NoError(t, err)

	require.NoError(t, authority.Logout(ctx, pair.AccessToken))

	_, err = authority.VerifyAccess(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	// The blacklist entry expires with the token.
	mr.FastForward(31 * time.Minute)
	assert.False(t, mr.Exists(tokenKeyPrefix+pair.AccessToken))
}

func TestLogoutAllRevokesEveryToken(t *testing.T) {
	authority, _ := newTestAuthority(t)
	ctx := context.Background()

	first, err := authority.Issuer().IssuePair("user-1")
	require.NoError(t, err)
	second, err := authority.Issuer().IssuePair("user-1")
	require.NoError(t, err)

	require.NoError(t, authority.LogoutAll(ctx, "user-1"))

	_, err = authority.VerifyAccess(ctx, first.AccessToken)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = authority.VerifyRefresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestBlacklistFailsOpenWhenStoreDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	issuer := NewIssuer("test-secret", 30, 7)
	authority := NewAuthority(issuer, NewBlacklist(rdb))
	ctx := context.Background()

	pair, err := issuer.IssuePair("user-1")
	require.NoError(t, err)
	require.NoError(t, authority.Logout(ctx, pair.AccessToken))

	mr.Close()

	// Reads fail open: the revoked token verifies during the outage.
	_, err = authority.VerifyAccess(ctx, pair.AccessToken)
	assert.NoError(t, err)

	// Writes surface the failure.
	err = authority.LogoutAll(ctx, "user-1")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, core.ErrUnauthorized))
}
