package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestLimiter(t *testing.T, limits map[string]int) (*Limiter, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	limiter := NewWithClient(client, limits)
	// Pin the clock so every request in a test lands in the same window.
	fixed := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	return limiter, s
}

func TestAllowUnderLimit(t *testing.T) {
	limiter, s := setupTestLimiter(t, map[string]int{CategoryWrite: 3})
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		result := limiter.Allow(ctx, "user:usr_1", CategoryWrite)
		if !result.Allowed {
			t.Fatalf("request %d denied under limit", i+1)
		}
		if want := 3 - (i + 1); result.Remaining != want {
			t.Errorf("request %d remaining = %d, want %d", i+1, result.Remaining, want)
		}
	}
}

func TestDenyOverLimit(t *testing.T) {
	limiter, s := setupTestLimiter(t, map[string]int{CategoryWrite: 2})
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	limiter.Allow(ctx, "user:usr_1", CategoryWrite)
	limiter.Allow(ctx, "user:usr_1", CategoryWrite)

	result := limiter.Allow(ctx, "user:usr_1", CategoryWrite)
	if result.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
	if result.RetryAfter < 1 || result.RetryAfter > 60 {
		t.Errorf("retry after = %d, want within (0,60]", result.RetryAfter)
	}
}

func TestWindowResets(t *testing.T) {
	limiter, s := setupTestLimiter(t, map[string]int{CategoryWrite: 1})
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	if result := limiter.Allow(ctx, "user:usr_1", CategoryWrite); !result.Allowed {
		t.Fatal("first request denied")
	}
	if result := limiter.Allow(ctx, "user:usr_1", CategoryWrite); result.Allowed {
		t.Fatal("second request allowed over limit")
	}

	// Advance into the next window on both clocks.
	next := time.Date(2025, 6, 1, 12, 1, 10, 0, time.UTC)
	limiter.now = func() time.Time { return next }
	s.FastForward(time.Minute)

	if result := limiter.Allow(ctx, "user:usr_1", CategoryWrite); !result.Allowed {
		t.Fatal("request denied after window reset")
	}
}

func TestIdentifiersCountedSeparately(t *testing.T) {
	limiter, s := setupTestLimiter(t, map[string]int{CategoryRead: 1})
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	if result := limiter.Allow(ctx, "user:usr_1", CategoryRead); !result.Allowed {
		t.Fatal("usr_1 request denied")
	}
	if result := limiter.Allow(ctx, "ip:10.0.0.9", CategoryRead); !result.Allowed {
		t.Fatal("separate identifier denied by usr_1's window")
	}
	if result := limiter.Allow(ctx, "user:usr_1", CategoryRead); result.Allowed {
		t.Fatal("usr_1 second request allowed over limit")
	}
}

func TestCategoriesCountedSeparately(t *testing.T) {
	limiter, s := setupTestLimiter(t, map[string]int{CategoryRead: 1, CategoryWrite: 1})
	defer limiter.Close()
	defer s.Close()

	ctx := context.Background()
	limiter.Allow(ctx, "user:usr_1", CategoryRead)
	if result := limiter.Allow(ctx, "user:usr_1", CategoryWrite); !result.Allowed {
		t.Fatal("write denied by read window")
	}
}

func TestFailsOpenWhenRedisDown(t *testing.T) {
	limiter, s := setupTestLimiter(t, map[string]int{CategoryWrite: 1})
	defer limiter.Close()

	s.Close()

	result := limiter.Allow(context.Background(), "user:usr_1", CategoryWrite)
	if !result.Allowed {
		t.Fatal("expected fail-open admission with redis down")
	}
}

func TestDefaultLimitForUnknownCategory(t *testing.T) {
	limiter, s := setupTestLimiter(t, nil)
	defer limiter.Close()
	defer s.Close()

	result := limiter.Allow(context.Background(), "user:usr_1", "unknown")
	if !result.Allowed {
		t.Fatal("expected admission under the default limit")
	}
	if result.Remaining != 59 {
		t.Errorf("remaining = %d, want 59", result.Remaining)
	}
}
