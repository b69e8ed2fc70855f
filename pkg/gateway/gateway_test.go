package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestGateway(t *testing.T, backends map[string]string) *gin.Engine {
	t.Helper()
	gw, err := New(config.GatewayConfig{
		Backends:                backends,
		BreakerFailureThreshold: 2,
		BreakerOpenDuration:     time.Minute,
	}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(gw.Handler())
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestGatewayProxies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "api")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from backend"))
	}))
	defer backend.Close()

	r := newTestGateway(t, map[string]string{"/api": backend.URL})

	w := get(r, "/api/v1/documents")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello from backend", w.Body.String())
	assert.Equal(t, "api", w.Header().Get("X-Backend"))
}

func TestGatewayLongestPrefixWins(t *testing.T) {
	general := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("general"))
	}))
	defer general.Close()
	rag := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("rag"))
	}))
	defer rag.Close()

	r := newTestGateway(t, map[string]string{
		"/api":        general.URL,
		"/api/v1/rag": rag.URL,
	})

	assert.Equal(t, "rag", get(r, "/api/v1/rag/query").Body.String())
	assert.Equal(t, "general", get(r, "/api/v1/documents").Body.String())
}

func TestGatewayNoBackend(t *testing.T) {
	r := newTestGateway(t, map[string]string{"/api": "http://127.0.0.1:1"})
	w := get(r, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGatewayBreakerOpensOnTransportErrors(t *testing.T) {
	// Nothing listens here; every request is a transport error
	r := newTestGateway(t, map[string]string{"/api": "http://127.0.0.1:1"})

	for i := 0; i < 2; i++ {
		w := get(r, "/api/v1/documents")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	}

	// Threshold reached; the breaker now rejects before dialing
	w := get(r, "/api/v1/documents")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "backend temporarily unavailable")
}

func TestGatewayBreakerCountsServerErrors(t *testing.T) {
	var hits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	r := newTestGateway(t, map[string]string{"/api": backend.URL})

	// The backend's own 5xx passes through while the breaker is closed
	for i := 0; i < 2; i++ {
		w := get(r, "/api/v1/x")
		assert.Equal(t, http.StatusBadGateway, w.Code)
	}
	seen := hits.Load()

	// Open now; the backend stops receiving traffic
	w := get(r, "/api/v1/x")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, seen, hits.Load())
}

func TestGatewayClientErrorsDoNotTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	r := newTestGateway(t, map[string]string{"/api": backend.URL})

	for i := 0; i < 10; i++ {
		w := get(r, "/api/v1/missing")
		assert.Equal(t, http.StatusNotFound, w.Code)
	}
}

func TestIPFilter(t *testing.T) {
	gw, err := New(config.GatewayConfig{
		Backends:   map[string]string{},
		IPDenyList: []string{"192.0.2.1"},
	}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	r := gin.New()
	r.Use(gw.IPFilter())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = "198.51.100.7:4444"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIPFilterAllowList(t *testing.T) {
	gw, err := New(config.GatewayConfig{
		Backends:    map[string]string{},
		IPAllowList: []string{"203.0.113.5"},
	}, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	r := gin.New()
	r.Use(gw.IPFilter())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = "203.0.113.5:1000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.RemoteAddr = "203.0.113.9:1000"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
