package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "token_blacklist:"
	userKeyPrefix  = "token_blacklist:user:"
)

// Blacklist is the revocation table consulted on every token verify.
//
// Reads fail open: when redis is unreachable a revoked token is
// treated as valid for the duration of the outage, and a warning is
// logged. Writes report the failure to the caller.
type Blacklist struct {
	rdb *redis.Client
}

// NewBlacklist wraps an already-connected redis client.
func NewBlacklist(rdb *redis.Client) *Blacklist {
	return &Blacklist{rdb: rdb}
}

// RevokeToken marks a single token revoked for its remaining lifetime.
func (b *Blacklist) RevokeToken(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		// Already expired; nothing to store.
		return nil
	}
	return b.rdb.Set(ctx, tokenKeyPrefix+token, "revoked", ttl).Err()
}

// RevokeUser marks every outstanding token of a user revoked. The TTL
// should be the refresh-token lifetime so the marker outlives the
// longest-lived token.
func (b *Blacklist) RevokeUser(ctx context.Context, userID string, ttl time.Duration) error {
	return b.rdb.Set(ctx, userKeyPrefix+userID, "all_revoked", ttl).Err()
}

// IsRevoked reports whether the token, or its user wholesale, has been
// revoked.
func (b *Blacklist) IsRevoked(ctx context.Context, token, userID string) bool {
	n, err := b.rdb.Exists(ctx, tokenKeyPrefix+token, userKeyPrefix+userID).Result()
	if err != nil {
		slog.Warn("blacklist check failed, failing open", "error", err)
		return false
	}
	return n > 0
}

// Ping probes the store for the readiness endpoint.
func (b *Blacklist) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
