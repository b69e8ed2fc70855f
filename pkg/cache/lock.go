package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when a lease is already held by another owner
var ErrLockHeld = errors.New("cache: lock held")

// releaseScript deletes the lock only when the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lease is a KV-backed advisory lock with a TTL. Conversation appends
// serialize through one lease per conversation.
type Lease struct {
	kv    *RedisKV
	key   string
	token string
}

// AcquireLease attempts to take the lease at key for the given TTL
func (c *RedisKV) AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{kv: c, key: key, token: token}, nil
}

// AcquireLeaseBlocking retries until the lease is acquired or ctx expires
func (c *RedisKV) AcquireLeaseBlocking(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	for {
		lease, err := c.AcquireLease(ctx, key, ttl)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Release gives up the lease. Safe to call if the lease has expired.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.kv.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
