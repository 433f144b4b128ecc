// Package directory resolves author block lists for feed filtering, keeping a
// Redis cache in front of the Postgres rows that own them.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// blockStore is the source of truth for block rows.
type blockStore interface {
	ListBlockedIDs(ctx context.Context, blockerID string) ([]string, error)
}

// AuthorDirectory answers which authors a user has blocked. Cache misses and
// Redis outages both fall through to Postgres; the cache is never required
// for correctness, only to keep the feed path off the block table.
type AuthorDirectory struct {
	store  blockStore
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis at redisURL and wraps store with a cache.
func New(store blockStore, redisURL string, ttl time.Duration) (*AuthorDirectory, error) {
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

	return NewWithClient(store, client, ttl), nil
}

// NewWithClient wraps store with an existing Redis client. A nil client
// disables caching entirely.
func NewWithClient(store blockStore, client *redis.Client, ttl time.Duration) *AuthorDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AuthorDirectory{store: store, client: client, ttl: ttl}
}

func (d *AuthorDirectory) key(userID string) string {
	return "blocked:" + userID
}

// BlockedIDs returns the ids of authors userID has blocked.
func (d *AuthorDirectory) BlockedIDs(ctx context.Context, userID string) ([]string, error) {
	if d.client == nil {
		return d.store.ListBlockedIDs(ctx, userID)
	}

	cached, err := d.client.Get(ctx, d.key(userID)).Result()
	if err == nil {
		var ids []string
		if jsonErr := json.Unmarshal([]byte(cached), &ids); jsonErr == nil {
			return ids, nil
		}
	} else if err != redis.Nil {
		log.Printf("directory: redis get failed, serving from postgres: %v", err)
		return d.store.ListBlockedIDs(ctx, userID)
	}

	ids, err := d.store.ListBlockedIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(ids); err == nil {
		if setErr := d.client.Set(ctx, d.key(userID), payload, d.ttl).Err(); setErr != nil {
			log.Printf("directory: redis set failed: %v", setErr)
		}
	}
	return ids, nil
}

// Invalidate drops the cached list. Called after every block or unblock so
// the next feed read sees the change immediately instead of at TTL expiry.
func (d *AuthorDirectory) Invalidate(ctx context.Context, userID string) {
	if d.client == nil {
		return
	}
	if err := d.client.Del(ctx, d.key(userID)).Err(); err != nil {
		log.Printf("directory: redis del failed: %v", err)
	}
}

// Ping checks if Redis is reachable. Reports nil when caching is disabled.
func (d *AuthorDirectory) Ping(ctx context.Context) error {
	if d.client == nil {
		return nil
	}
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (d *AuthorDirectory) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}
