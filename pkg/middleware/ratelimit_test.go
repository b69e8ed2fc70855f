package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/auth"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// brokenRunner simulates an unreachable KV store
type brokenRunner struct{}

func (brokenRunner) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return nil, errors.New("connection refused")
}

func bucket(capacity int64, refill float64) config.BucketConfig {
	return config.BucketConfig{Capacity: capacity, RefillPerSec: refill}
}

func limitedRouter(rl *RateLimiter, claims *auth.Claims) *gin.Engine {
	r := gin.New()
	if claims != nil {
		r.Use(func(c *gin.Context) { c.Set(claimsKey, claims) })
	}
	r.Use(rl.Middleware())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hammer(r *gin.Engine, n int) []int {
	codes := make([]int, 0, n)
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	return codes
}

func newSharedLimiter(t *testing.T, cfg config.RateLimitConfig) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRateLimiter(cfg, cache.NewRedisKVFromClient(client),
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestRateLimiterExhaustsBucket(t *testing.T) {
	rl := newSharedLimiter(t, config.RateLimitConfig{Global: bucket(3, 0.001)})
	r := limitedRouter(rl, nil)

	codes := hammer(r, 5)
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
}

func TestRateLimiterRetryAfterHeader(t *testing.T) {
	rl := newSharedLimiter(t, config.RateLimitConfig{Global: bucket(1, 0.5)})
	r := limitedRouter(rl, nil)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RateLimited")
	assert.Contains(t, w.Body.String(), `"scope":"global"`)
}

func TestRateLimiterUserScope(t *testing.T) {
	rl := newSharedLimiter(t, config.RateLimitConfig{
		Global: bucket(1000, 100),
		User:   bucket(2, 0.001),
	})
	claims := &auth.Claims{UserID: "u1", TenantID: "t1", Role: models.RoleUser}
	r := limitedRouter(rl, claims)

	codes := hammer(r, 4)
	assert.Equal(t, []int{200, 200, 429, 429}, codes)
}

func TestRateLimiterZeroRefillIsHardQuota(t *testing.T) {
	rl := newSharedLimiter(t, config.RateLimitConfig{
		Global: bucket(1000, 100),
		User:   bucket(5, 0),
	})
	claims := &auth.Claims{UserID: "u1", TenantID: "t1", Role: models.RoleUser}
	r := limitedRouter(rl, claims)

	// A bucket that never refills admits exactly its capacity
	codes := hammer(r, 10)
	assert.Equal(t, []int{200, 200, 200, 200, 200, 429, 429, 429, 429, 429}, codes)
}

func TestRateLimiterRunsAfterAuth(t *testing.T) {
	// Mirrors the serving chain: authentication first, then the limiter,
	// so the user bucket sees the caller's claims
	rl := newSharedLimiter(t, config.RateLimitConfig{
		Global: bucket(1000, 100),
		User:   bucket(2, 0),
	})
	r := gin.New()
	r.Use(RequireAuth(&fakeValidator{claims: userClaims(models.RoleUser)}))
	r.Use(rl.Middleware())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429, 429}, codes)
}

func TestRateLimiterAdminBypassesUserAndTenant(t *testing.T) {
	rl := newSharedLimiter(t, config.RateLimitConfig{
		Global: bucket(1000, 100),
		Tenant: bucket(1, 0.001),
		User:   bucket(1, 0.001),
	})
	claims := &auth.Claims{UserID: "admin1", TenantID: "t1", Role: models.RoleAdmin}
	r := limitedRouter(rl, claims)

	codes := hammer(r, 5)
	assert.Equal(t, []int{200, 200, 200, 200, 200}, codes)
}

func TestRateLimiterAdminStillBoundByGlobal(t *testing.T) {
	rl := newSharedLimiter(t, config.RateLimitConfig{Global: bucket(2, 0.001)})
	claims := &auth.Claims{UserID: "admin1", TenantID: "t1", Role: models.RoleAdmin}
	r := limitedRouter(rl, claims)

	codes := hammer(r, 3)
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestRateLimiterLocalFallback(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Global: bucket(2, 0.001)}, brokenRunner{},
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	r := limitedRouter(rl, nil)

	// With the shared store down the limiter still enforces the bucket
	// capacity from per-process state instead of failing open
	codes := hammer(r, 4)
	assert.Equal(t, []int{200, 200, 429, 429}, codes)
}

func TestRateLimiterLocalFallbackZeroRefill(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{Global: bucket(3, 0)}, brokenRunner{},
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	r := limitedRouter(rl, nil)

	codes := hammer(r, 5)
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)
}

func TestRateLimiterDisabledBuckets(t *testing.T) {
	rl := newSharedLimiter(t, config.RateLimitConfig{})
	r := limitedRouter(rl, nil)

	codes := hammer(r, 10)
	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
}
