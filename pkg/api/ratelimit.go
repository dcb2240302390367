package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// RateLimitConfig bounds event ingestion per client. Reads are not limited;
// the scan cap already bounds their cost.
type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	BurstSize         int
}

// DefaultRateLimitConfig returns ingest rate limit settings suitable for one
// reporting client
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		Window:            time.Minute,
		BurstSize:         60,
	}
}

// ingestLimiter decides whether one more ingest request from key is allowed
type ingestLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// memoryLimiter is a per-key token bucket held in process. Suitable for a
// single instance; multi-instance deployments should use the redis limiter so
// all instances share one budget.
type memoryLimiter struct {
	config *RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func newMemoryLimiter(config *RateLimitConfig) *memoryLimiter {
	return &memoryLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (l *memoryLimiter) Allow(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{
			tokens:     float64(l.config.BurstSize),
			lastRefill: now,
		}
		l.buckets[key] = b
	}

	refillRate := float64(l.config.RequestsPerWindow) / l.config.Window.Seconds()
	b.tokens += now.Sub(b.lastRefill).Seconds() * refillRate
	if limit := float64(l.config.BurstSize); b.tokens > limit {
		b.tokens = limit
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// redisLimiter is a fixed-window counter shared across instances. Redis
// failures fail open: losing the limiter must not take ingestion down with it.
type redisLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

func newRedisLimiter(client *redis.Client, config *RateLimitConfig) *redisLimiter {
	return &redisLimiter{
		redis:  client,
		config: config,
		prefix: "ratelimit:ingest",
	}
}

func (l *redisLimiter) Allow(ctx context.Context, key string) bool {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.config.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}

	return incr.Val() <= int64(l.config.RequestsPerWindow)
}

// clientKey identifies the caller for rate limiting purposes
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit wraps an ingest handler, rejecting over-budget clients with 429
func rateLimit(limiter ingestLimiter, logger *observability.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.Allow(r.Context(), key) {
			logger.WithField("client", key).Warn("Ingest rate limit exceeded")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded"}`)
			return
		}
		next(w, r)
	}
}
