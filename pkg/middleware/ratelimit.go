package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// tokenBucketScript refills and takes from a bucket atomically. Returns
// {allowed, retry_after_ms}. A refill rate of zero is a fixed quota: the
// bucket never replenishes, so capacity bounds the total admitted.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  ts = now_ms
end

if refill > 0 then
  local elapsed = (now_ms - ts) / 1000.0
  tokens = math.min(capacity, tokens + elapsed * refill)
end

local ttl_ms = 3600000
if refill > 0 then
  ttl_ms = math.ceil(capacity / refill * 2000)
end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry_ms = ttl_ms
  if refill > 0 then
    retry_ms = math.ceil((1 - tokens) / refill * 1000)
  end
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('PEXPIRE', key, ttl_ms)
return {allowed, retry_ms}
`)

// ScriptRunner evaluates a Lua script against the shared KV store
type ScriptRunner interface {
	Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error)
}

// RateLimiter enforces the hierarchical token buckets: global, tenant,
// user, endpoint, and ip, checked in that order. Buckets live in the
// shared KV store; when it is unreachable the limiter degrades to
// process-local buckets rather than failing open or closed entirely.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	kv      ScriptRunner
	logger  observability.Logger
	metrics observability.MetricsClient

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter wires the hierarchical limiter
func NewRateLimiter(cfg config.RateLimitConfig, kv ScriptRunner, logger observability.Logger, metrics observability.MetricsClient) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		kv:      kv,
		logger:  logger.WithPrefix("ratelimit"),
		metrics: metrics,
		local:   make(map[string]*rate.Limiter),
	}
}

type scopeCheck struct {
	scope  string
	key    string
	bucket config.BucketConfig
}

// Middleware checks every applicable scope and rejects on the first
// exhausted bucket. Admins bypass the user and tenant buckets but never
// the global one.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFrom(c)
		isAdmin := claims != nil && claims.Role == models.RoleAdmin

		checks := []scopeCheck{
			{"global", "rl:global", rl.cfg.Global},
		}
		if claims != nil && !isAdmin {
			checks = append(checks,
				scopeCheck{"tenant", "rl:tenant:" + claims.TenantID, rl.cfg.Tenant},
				scopeCheck{"user", "rl:user:" + claims.UserID, rl.cfg.User},
			)
		}
		checks = append(checks,
			scopeCheck{"endpoint", "rl:endpoint:" + c.Request.Method + ":" + c.FullPath(), rl.cfg.Endpoint},
			scopeCheck{"ip", "rl:ip:" + c.ClientIP(), rl.cfg.IP},
		)

		for _, check := range checks {
			// Zero capacity disables a scope; zero refill is a hard quota
			if check.bucket.Capacity <= 0 {
				continue
			}
			allowed, retryAfter := rl.allow(c.Request.Context(), check)
			if allowed {
				continue
			}
			rl.metrics.IncrementCounterWithLabels("rate_limit_rejections", 1,
				map[string]string{"scope": check.scope})
			seconds := int(retryAfter / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			AbortWithError(c, apperrors.RateLimited("rate limit exceeded").
				WithDetail("scope", check.scope).
				WithDetail("retry_after_seconds", seconds))
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(ctx context.Context, check scopeCheck) (bool, time.Duration) {
	result, err := rl.kv.Eval(ctx, tokenBucketScript, []string{check.key},
		check.bucket.Capacity,
		check.bucket.RefillPerSec,
		time.Now().UnixMilli())
	if err != nil {
		// Shared buckets unavailable; fall back to per-process buckets
		rl.logger.Warn("rate limit store unavailable, using local buckets", map[string]interface{}{
			"error": err.Error(),
		})
		rl.metrics.IncrementCounter("rate_limit_degraded", 1)
		return rl.allowLocal(check), time.Second
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0
	}
	allowed, _ := values[0].(int64)
	retryMs, _ := values[1].(int64)
	return allowed == 1, time.Duration(retryMs) * time.Millisecond
}

func (rl *RateLimiter) allowLocal(check scopeCheck) bool {
	rl.mu.Lock()
	limiter, ok := rl.local[check.key]
	if !ok {
		refill := rate.Limit(check.bucket.RefillPerSec)
		if check.bucket.RefillPerSec <= 0 {
			// rate.Limit(0) never seeds the bucket; a refill far slower than
			// any request lifetime behaves as the hard quota
			refill = rate.Every(365 * 24 * time.Hour)
		}
		limiter = rate.NewLimiter(refill, int(check.bucket.Capacity))
		rl.local[check.key] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// Reset clears local fallback state. Used by tests.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	rl.local = make(map[string]*rate.Limiter)
	rl.mu.Unlock()
}
