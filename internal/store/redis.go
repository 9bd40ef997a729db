// Package store provides the Redis-backed exact cache tier.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the namespace this proxy owns in Redis. FlushAll only touches
// keys under it.
const KeyPrefix = "cache:exact:"

// Redis wraps a pooled go-redis client with the operations the pipeline and
// admin surface need. The handle is safe for concurrent use and cheap to
// share; all methods go through the same underlying connection pool.
type Redis struct {
	client *redis.Client
}

// New creates a Redis store from a redis:// URL. The connection is pooled and
// lazily established; construction does not require the server to be up.
func New(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 2

	return &Redis{client: redis.NewClient(opts)}, nil
}

// Get looks up a cached blob. A missing key is (nil, false, nil); errors are
// transient and left to the caller to tolerate.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores a blob under key, overwriting any previous value and resetting
// the expiration to ttl.
func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// FlushAll deletes every key under the proxy's prefix and returns the number
// of keys removed. Keys outside the prefix are untouched.
func (s *Redis) FlushAll(ctx context.Context) (int64, error) {
	var cursor uint64
	var deleted int64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, KeyPrefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("redis del: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Healthy reports whether the store answers a PING.
func (s *Redis) Healthy(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

// Close releases the connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}
