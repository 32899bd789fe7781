package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiter(t *testing.T) {
	limiter := NewMemoryLimiter(2, time.Minute)
	defer limiter.Stop()

	now := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(ctx, "user:1")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if allowed != want {
			t.Errorf("request %d: expected %v, got %v", i, want, allowed)
		}
	}

	if allowed, _ := limiter.Allow(ctx, "user:2"); !allowed {
		t.Error("Expected separate key to be allowed")
	}

	now = now.Add(time.Minute)
	if allowed, _ := limiter.Allow(ctx, "user:1"); !allowed {
		t.Error("Expected new window to be allowed")
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedisLimiter(client, 2, time.Minute)
	now := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		allowed, err := limiter.Allow(ctx, "user:1")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if allowed != want {
			t.Errorf("request %d: expected %v, got %v", i, want, allowed)
		}
	}

	// A second instance shares the same budget
	other := NewRedisLimiter(client, 2, time.Minute)
	other.now = limiter.now
	if allowed, _ := other.Allow(ctx, "user:1"); allowed {
		t.Error("Expected shared budget to be exhausted")
	}

	now = now.Add(time.Minute)
	if allowed, _ := limiter.Allow(ctx, "user:1"); !allowed {
		t.Error("Expected new window to be allowed")
	}

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("Expected rate limit keys in redis")
	}
	if ttl := mr.TTL(keys[0]); ttl <= 0 || ttl > time.Minute {
		t.Errorf("Expected key expiry within window, got %v", ttl)
	}
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	limiter := NewRedisLimiter(client, 1, time.Minute)
	mr.Close()

	allowed, err := limiter.Allow(context.Background(), "user:1")
	if err == nil {
		t.Fatal("Expected error with redis down")
	}
	if !allowed {
		t.Error("Expected request to be allowed when redis is down")
	}
}

func TestLimiters_NonPositiveWindowUsesDefault(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	memory := NewMemoryLimiter(1, 0)
	defer memory.Stop()
	if memory.window != DefaultRateLimitWindow {
		t.Errorf("Expected memory window %v, got %v", DefaultRateLimitWindow, memory.window)
	}

	shared := NewRedisLimiter(client, 1, -time.Second)
	if shared.window != DefaultRateLimitWindow {
		t.Errorf("Expected redis window %v, got %v", DefaultRateLimitWindow, shared.window)
	}

	ctx := context.Background()
	for name, limiter := range map[string]Limiter{"memory": memory, "redis": shared} {
		for i, want := range []bool{true, false} {
			allowed, err := limiter.Allow(ctx, "user:1")
			if err != nil {
				t.Fatalf("%s: Allow failed: %v", name, err)
			}
			if allowed != want {
				t.Errorf("%s request %d: expected %v, got %v", name, i, want, allowed)
			}
		}
	}
}
