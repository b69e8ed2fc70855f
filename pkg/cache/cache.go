// Package cache provides the shared KV adapter used for response caches,
// embedding caches, rate-limit buckets, token revocation, conversation
// state, and per-document indexing counters. Keys are always prefixed with
// the owning tenant so entries can never leak across tenants.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("cache: key not found")

// Cache is the minimal KV contract shared by all consumers
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// TenantKey builds a tenant-scoped key. Every cached entry must use it.
func TenantKey(tenantID string, parts ...string) string {
	segments := append([]string{"tenant", tenantID}, parts...)
	return strings.Join(segments, ":")
}
