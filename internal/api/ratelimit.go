package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a caller may make another request
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Backend() string
}

// MemoryLimiter is a per-process fixed window limiter
type MemoryLimiter struct {
	requests map[string]*bucket
	mu       sync.Mutex
	rate     int           // requests per window
	window   time.Duration // time window
	now      func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// DefaultRateLimitWindow is used when a limiter is given a non-positive window
const DefaultRateLimitWindow = time.Minute

// NewMemoryLimiter creates a limiter and starts its cleanup goroutine
func NewMemoryLimiter(requestsPerWindow int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	limiter := &MemoryLimiter{
		requests: make(map[string]*bucket),
		rate:     requestsPerWindow,
		window:   window,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	go limiter.cleanup()

	return limiter
}

// Backend returns the limiter name for metrics
func (rl *MemoryLimiter) Backend() string {
	return "memory"
}

// Allow checks if a request for key is allowed
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	b, exists := rl.requests[key]
	if !exists {
		rl.requests[key] = &bucket{
			tokens:    rl.rate - 1,
			lastReset: now,
		}
		return rl.rate > 0, nil
	}

	if now.Sub(b.lastReset) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastReset = now
		return rl.rate > 0, nil
	}

	if b.tokens > 0 {
		b.tokens--
		return true, nil
	}

	return false, nil
}

// Stop ends the cleanup goroutine
func (rl *MemoryLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

// cleanup periodically removes idle buckets
func (rl *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(rl.window * 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.requests {
				if now.Sub(b.lastReset) > rl.window*2 {
					delete(rl.requests, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopChan:
			return
		}
	}
}

// RedisLimiter is a fixed window limiter shared by every instance
// pointing at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	rate   int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, requestsPerWindow int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &RedisLimiter{
		client: client,
		rate:   requestsPerWindow,
		window: window,
		prefix: "voiceusage:ratelimit",
		now:    time.Now,
	}
}

// Backend returns the limiter name for metrics
func (rl *RedisLimiter) Backend() string {
	return "redis"
}

// Allow increments the counter for the current window. Errors are
// returned alongside true so the caller can let the request through.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowStart := rl.now().UnixNano() / int64(rl.window)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, windowStart)

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("rate limit counter: %w", err)
	}

	return incr.Val() <= int64(rl.rate), nil
}
