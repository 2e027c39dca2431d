package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window counter shared by every instance.
type RedisRateLimiter struct {
	client  redis.UniversalClient
	prefix  string
	maxHits int
	window  time.Duration
}

func NewRedisRateLimiter(client redis.UniversalClient, maxHits int, window time.Duration) *RedisRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisRateLimiter{client: client, prefix: "auth:rl:", maxHits: maxHits, window: window}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	redisKey := l.prefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr rate limit counter: %w", err)
	}
	if count == 1 {
		if err := l.client.PExpire(ctx, redisKey, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire rate limit counter: %w", err)
		}
	}

	if count <= int64(l.maxHits) {
		return true, 0, nil
	}

	ttl, err := l.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read rate limit ttl: %w", err)
	}
	if ttl < 0 {
		// Counter lost its expiry; restore it so the key cannot block forever.
		_ = l.client.PExpire(ctx, redisKey, l.window).Err()
		ttl = l.window
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	return false, ttl, nil
}

// ConnectRedis accepts either a redis:// URL or a bare host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}
