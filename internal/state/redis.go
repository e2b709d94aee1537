package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOpTimeout bounds each Redis round trip.
const redisOpTimeout = 3 * time.Second

// Redis keeps the relay's entries in Redis so several relay instances
// share one credential. It satisfies credential.KV.
type Redis struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to the Redis server at rawURL (redis:// or rediss://)
// and verifies the connection. Keys are stored under prefix.
func OpenRedis(ctx context.Context, rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Redis{client: client, prefix: prefix}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get returns the value stored under key.
func (r *Redis) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}

	return v, true, nil
}

// Set stores value under key with no expiry.
func (r *Redis) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (r *Redis) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	return nil
}
