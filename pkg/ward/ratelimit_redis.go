package ward

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a sliding-window limiter backed by Redis sorted
// sets, for deployments where several gateway processes share one limit.
// Scores are unix nanoseconds; members carry a UUID suffix so concurrent
// calls in the same nanosecond are not collapsed.
type RedisRateLimiter struct {
	client *redis.Client
	prefix string
}

// NewRedisRateLimiter connects to the given Redis address.
func NewRedisRateLimiter(addr, password string, db int) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "bifrost:rl:",
	}
}

func (l *RedisRateLimiter) key(sessionID, tool string) string {
	return l.prefix + sessionID + ":" + tool
}

// Record notes one call for (session, tool) and the wildcard key.
func (l *RedisRateLimiter) Record(sessionID, tool string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	now := time.Now()
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString()[:8])
	pipe := l.client.Pipeline()
	for _, k := range []string{l.key(sessionID, tool), l.key(sessionID, "*")} {
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
		pipe.Expire(ctx, k, stampMaxAge)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis rate limiter record failed", "session", sessionID, "tool", tool, "error", err)
	}
}

// Count returns calls within the trailing window, trimming expired
// members first.
func (l *RedisRateLimiter) Count(sessionID, tool string, window time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	k := l.key(sessionID, tool)
	cutoff := time.Now().Add(-window).UnixNano()
	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis rate limiter count failed", "session", sessionID, "tool", tool, "error", err)
		return 0
	}
	return int(card.Val())
}

// Provider adapts the limiter to the engine's provider contract.
func (l *RedisRateLimiter) Provider() RateLimitProvider {
	return func(sessionID, countingKey string, window time.Duration) int {
		return l.Count(sessionID, countingKey, window)
	}
}

// Close releases the underlying client.
func (l *RedisRateLimiter) Close() error {
	return l.client.Close()
}
