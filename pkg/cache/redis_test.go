package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) *RedisKV {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisKVFromClient(client)
}

func TestTenantKey(t *testing.T) {
	assert.Equal(t, "tenant:t1:emb:abc", TenantKey("t1", "emb", "abc"))
	assert.Equal(t, "tenant:t1", TenantKey("t1"))
}

func TestGetSetRoundTrip(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, kv.Set(ctx, "k", payload{Name: "x", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, kv.Get(ctx, "k", &got))
	assert.Equal(t, payload{Name: "x", Count: 3}, got)
}

func TestGetMissing(t *testing.T) {
	kv := newTestKV(t)
	var out string
	err := kv.Get(context.Background(), "absent", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenantIsolation(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, TenantKey("t1", "doc", "d1"), "alpha", 0))

	var out string
	err := kv.Get(ctx, TenantKey("t2", "doc", "d1"), &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNX(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	ok, err := kv.SetNX(ctx, "once", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetNX(ctx, "once", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecrementClamped(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	_, err := kv.Increment(ctx, "counter", 2)
	require.NoError(t, err)

	n, err := kv.DecrementClamped(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = kv.DecrementClamped(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Extra decrements clamp instead of going negative
	n, err = kv.DecrementClamped(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestLease(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	lease, err := kv.AcquireLease(ctx, "lock", time.Minute)
	require.NoError(t, err)

	_, err = kv.AcquireLease(ctx, "lock", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lease.Release(ctx))

	_, err = kv.AcquireLease(ctx, "lock", time.Minute)
	assert.NoError(t, err)
}

func TestLeaseBlockingAcquires(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	lease, err := kv.AcquireLease(ctx, "lock", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lease.Release(context.Background())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := kv.AcquireLeaseBlocking(waitCtx, "lock", time.Minute)
	require.NoError(t, err)
	_ = second.Release(ctx)
}
