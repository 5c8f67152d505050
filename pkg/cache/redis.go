package cache

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL keeps persistent-tier entries for a week. The entries are
// content-addressed and immutable, so the TTL only bounds storage, not
// staleness.
const DefaultRedisTTL = 7 * 24 * time.Hour

// Redis is the optional persistent key-value tier. A nil *Redis is a valid,
// always-missing tier, so callers never branch on configuration.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects the tier. Returns nil (tier disabled) when addr is empty.
func NewRedis(addr, password string, ttl time.Duration) *Redis {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
	}
}

// NewRedisWithClient wraps an existing client; used by tests.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Get returns a cached value. Any redis error degrades to a miss; the tier
// must never make content unreachable.
func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	if r == nil {
		return "", false
	}
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("redis tier read failed", "key", key, "err", err)
		}
		return "", false
	}
	return value, true
}

// Set writes a value with the tier TTL. Failures are logged and swallowed.
func (r *Redis) Set(ctx context.Context, key, value string) {
	if r == nil {
		return
	}
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		slog.Debug("redis tier write failed", "key", key, "err", err)
	}
}
