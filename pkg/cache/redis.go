package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contextmesh/contextmesh/pkg/config"
)

// RedisKV implements Cache on a Redis client and exposes the atomic
// primitives (compare-and-set scripts, counters, leases) the platform's
// shared state relies on.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV connects to Redis and verifies the connection
func NewRedisKV(cfg config.RedisConfig) (*RedisKV, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisKV{client: client}, nil
}

// NewRedisKVFromClient wraps an existing client. Used by tests with miniredis.
func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Get unmarshals the JSON value stored at key into value
func (c *RedisKV) Get(ctx context.Context, key string, value interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("unmarshal cached value at %s: %w", key, err)
	}
	return nil
}

// Set stores value as JSON at key with the given TTL. A zero TTL means the
// key does not expire.
func (c *RedisKV) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (c *RedisKV) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Exists reports whether the key is present
func (c *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// SetNX stores the value only if the key is absent. Returns true if stored.
func (c *RedisKV) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("marshal value for %s: %w", key, err)
	}
	ok, err := c.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Increment atomically adds delta to the integer at key and returns the
// new value, initializing the key to delta when absent.
func (c *RedisKV) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	return n, nil
}

// decrClampScript decrements the counter at KEYS[1] and clamps it at zero.
// Duplicate acks therefore cannot drive the counter negative.
var decrClampScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return v
`)

// DecrementClamped atomically decrements the counter at key, clamped at 0
func (c *RedisKV) DecrementClamped(ctx context.Context, key string) (int64, error) {
	n, err := decrClampScript.Run(ctx, c.client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis decrement %s: %w", key, err)
	}
	return n, nil
}

// Expire sets a TTL on an existing key
func (c *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

// Eval runs a Lua script. Exposed for callers that need bespoke atomic
// operations, such as the token-bucket rate limiter.
func (c *RedisKV) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, c.client, keys, args...).Result()
}

// Healthy reports whether the Redis connection responds to PING
func (c *RedisKV) Healthy(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

// Close releases the underlying connection pool
func (c *RedisKV) Close() error {
	return c.client.Close()
}
