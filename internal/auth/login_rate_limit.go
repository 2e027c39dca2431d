package auth

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"admin-serverless/internal/observability"
)

// RateLimiter throttles unauthenticated auth endpoints per client key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// RateLimitMiddleware fails open when the limiter backend errors; account
// lockout still bounds password guessing in that case.
func RateLimitMiddleware(limiter RateLimiter, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := observability.ClientIP(r)

			allowed, retryAfter, err := limiter.Allow(r.Context(), ip, time.Now().UTC())
			if err != nil {
				logger.Error("auth_rate_limit_unavailable", map[string]any{"error": err.Error()})
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// MemoryRateLimiter keeps a sliding window per key inside one process.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitByKey  map[string][]time.Time
	maxMemory int
}

func NewMemoryRateLimiter(maxHits int, window time.Duration) *MemoryRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &MemoryRateLimiter{
		maxHits:   maxHits,
		window:    window,
		hitByKey:  make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitByKey[key] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	l.hitByKey[key] = filtered

	if len(l.hitByKey) > l.maxMemory {
		for k, value := range l.hitByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitByKey, k)
			}
		}
	}

	return true, 0, nil
}
