// Package gateway is the edge of the platform: it screens requests, rate
// limits them, and reverse-proxies each route prefix to its backend behind
// a per-backend circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/middleware"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// backend is one proxied route prefix
type backend struct {
	prefix  string
	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker
}

// Gateway proxies requests to backends by longest matching route prefix
type Gateway struct {
	cfg      config.GatewayConfig
	backends []backend
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// proxyError collects the transport error for the request being proxied
type proxyError struct {
	err error
}

type proxyErrKey struct{}

// statusRecorder captures the proxied status for breaker accounting
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps streamed responses flowing through the proxy
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// New builds the gateway from the configured route table
func New(cfg config.GatewayConfig, logger observability.Logger, metrics observability.MetricsClient) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		logger:  logger.WithPrefix("gateway"),
		metrics: metrics,
	}

	prefixes := make([]string, 0, len(cfg.Backends))
	for prefix := range cfg.Backends {
		prefixes = append(prefixes, prefix)
	}
	// Longest prefix first so /api/v1/rag wins over /api/v1
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	for _, prefix := range prefixes {
		target, err := url.Parse(cfg.Backends[prefix])
		if err != nil {
			return nil, fmt.Errorf("invalid backend url for %s: %w", prefix, err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   32,
		}
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			if holder, ok := r.Context().Value(proxyErrKey{}).(*proxyError); ok {
				holder.err = err
			}
		}

		name := "backend" + strings.ReplaceAll(prefix, "/", "-")
		breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: cfg.BreakerObservationWindow,
			Timeout:  cfg.BreakerOpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("backend breaker state change", map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
				metrics.IncrementCounterWithLabels("gateway_breaker_transitions", 1,
					map[string]string{"backend": name, "to": to.String()})
			},
		})
		g.backends = append(g.backends, backend{prefix: prefix, proxy: proxy, breaker: breaker})
	}
	return g, nil
}

// Handler proxies the request through the matching backend's breaker
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		be := g.match(c.Request.URL.Path)
		if be == nil {
			middleware.AbortWithError(c, apperrors.NotFound("no backend for path"))
			return
		}

		_, err := be.breaker.Execute(func() (interface{}, error) {
			recorder := &statusRecorder{ResponseWriter: c.Writer, status: http.StatusOK}
			holder := &proxyError{}
			req := c.Request.WithContext(context.WithValue(c.Request.Context(), proxyErrKey{}, holder))
			be.proxy.ServeHTTP(recorder, req)
			if holder.err != nil {
				return nil, holder.err
			}
			if recorder.status >= http.StatusInternalServerError {
				return nil, fmt.Errorf("backend returned status %d", recorder.status)
			}
			return nil, nil
		})
		if err == nil {
			c.Abort()
			return
		}

		g.metrics.IncrementCounterWithLabels("gateway_backend_failures", 1,
			map[string]string{"backend": be.prefix})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.Header("Retry-After", retryAfterSeconds(g.cfg.BreakerOpenDuration))
			middleware.AbortWithError(c, apperrors.Unavailable("backend temporarily unavailable").
				WithDetail("retry_after_seconds", int(g.cfg.BreakerOpenDuration/time.Second)))
			return
		}
		if c.Writer.Written() {
			// The backend already answered; the 5xx stands as sent
			c.Abort()
			return
		}
		middleware.AbortWithError(c, apperrors.Unavailable("backend request failed"))
	}
}

// IPFilter enforces the allow and deny lists before any bucket is charged
func (g *Gateway) IPFilter() gin.HandlerFunc {
	deny := toIPSet(g.cfg.IPDenyList)
	allow := toIPSet(g.cfg.IPAllowList)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if deny[ip] {
			middleware.AbortWithError(c, apperrors.PermissionDenied("address not permitted"))
			return
		}
		if len(allow) > 0 && !allow[ip] {
			middleware.AbortWithError(c, apperrors.PermissionDenied("address not permitted"))
			return
		}
		c.Next()
	}
}

func (g *Gateway) match(path string) *backend {
	for i := range g.backends {
		if strings.HasPrefix(path, g.backends[i].prefix) {
			return &g.backends[i]
		}
	}
	return nil
}

func toIPSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, ip := range list {
		set[ip] = true
	}
	return set
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(d / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}
