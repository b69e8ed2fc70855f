package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// Fingerprint identifies a (content, model) pair for cache lookups
func Fingerprint(content, model string) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is the two-tier embedding cache: a process-local LRU in front of
// the shared KV store. Keys are tenant-scoped, so identical content in two
// tenants is cached twice.
type Cache struct {
	local   *lru.Cache[string, []float32]
	backing cache.Cache
	ttl     time.Duration
	metrics observability.MetricsClient
}

// NewCache creates an embedding cache. localSize bounds the in-process LRU.
func NewCache(backing cache.Cache, localSize int, ttl time.Duration, metrics observability.MetricsClient) (*Cache, error) {
	if localSize <= 0 {
		localSize = 4096
	}
	local, err := lru.New[string, []float32](localSize)
	if err != nil {
		return nil, err
	}
	return &Cache{local: local, backing: backing, ttl: ttl, metrics: metrics}, nil
}

func (c *Cache) key(tenantID, content, model string) string {
	return cache.TenantKey(tenantID, "emb", Fingerprint(content, model))
}

// Get returns the cached embedding or nil on a miss. KV failures degrade to
// a miss; embeddings can always be recomputed.
func (c *Cache) Get(ctx context.Context, tenantID, content, model string) []float32 {
	key := c.key(tenantID, content, model)

	if v, ok := c.local.Get(key); ok {
		c.metrics.IncrementCounterWithLabels("embedding_cache_hits", 1, map[string]string{"tier": "local"})
		return v
	}

	var v []float32
	if err := c.backing.Get(ctx, key, &v); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.metrics.IncrementCounter("embedding_cache_errors", 1)
		}
		c.metrics.IncrementCounter("embedding_cache_misses", 1)
		return nil
	}
	c.local.Add(key, v)
	c.metrics.IncrementCounterWithLabels("embedding_cache_hits", 1, map[string]string{"tier": "redis"})
	return v
}

// Put stores an embedding in both tiers. KV failures are swallowed.
func (c *Cache) Put(ctx context.Context, tenantID, content, model string, embedding []float32) {
	key := c.key(tenantID, content, model)
	c.local.Add(key, embedding)
	if err := c.backing.Set(ctx, key, embedding, c.ttl); err != nil {
		c.metrics.IncrementCounter("embedding_cache_errors", 1)
	}
}
