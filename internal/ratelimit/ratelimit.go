// Package ratelimit enforces per-minute request limits with Redis-backed
// fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	CategoryRead   = "read"
	CategoryWrite  = "write"
	CategorySearch = "search"
)

const window = time.Minute

// Result reports a single admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter int
}

// Limiter counts requests per (category, identifier) in fixed one-minute
// windows. An unreachable Redis fails open: the request is admitted and the
// error logged, so the limiter can never take the API down with it.
type Limiter struct {
	client *redis.Client
	limits map[string]int
	now    func() time.Time
}

// New connects to Redis at redisURL. limits maps category to the maximum
// number of requests per minute.
func New(redisURL string, limits map[string]int) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client, limits), nil
}

// NewWithClient builds a Limiter from an existing Redis client.
func NewWithClient(client *redis.Client, limits map[string]int) *Limiter {
	return &Limiter{client: client, limits: limits, now: time.Now}
}

func (l *Limiter) limitFor(category string) int {
	if n, ok := l.limits[category]; ok && n > 0 {
		return n
	}
	return 60
}

// Allow admits or rejects one request from identifier in category.
func (l *Limiter) Allow(ctx context.Context, identifier, category string) Result {
	limit := l.limitFor(category)
	now := l.now()
	windowStart := now.Truncate(window)
	key := fmt.Sprintf("rl:%s:%s:%d", category, identifier, windowStart.Unix())

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: redis incr failed, allowing request: %v", err)
		return Result{Allowed: true, Remaining: limit}
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			log.Printf("ratelimit: redis expire failed: %v", err)
		}
	}

	if count > int64(limit) {
		retryAfter := int(windowStart.Add(window).Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	return Result{Allowed: true, Remaining: limit - int(count)}
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.client.Close()
}
