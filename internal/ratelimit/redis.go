package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares one fixed-window budget across instances. The counter
// key carries the window's expiry, so windows align on first use rather than
// wall-clock boundaries.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	period time.Duration
}

func NewRedisLimiter(client *redis.Client, limit int, period time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, period: period}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	counterKey := "ratelimit:" + key

	count, err := l.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, counterKey, l.period).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit expire: %w", err)
		}
	}

	ttl, err := l.client.TTL(ctx, counterKey).Result()
	if err != nil || ttl < 0 {
		ttl = l.period
	}

	result := Result{
		Limit: l.limit,
		Reset: time.Now().Add(ttl),
	}
	if count > int64(l.limit) {
		return result, nil
	}
	result.Allowed = true
	result.Remaining = l.limit - int(count)
	return result, nil
}
