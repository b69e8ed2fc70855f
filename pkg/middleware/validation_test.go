package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/contextmesh/contextmesh/pkg/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func validationRouter(maxBody int64) *gin.Engine {
	r := gin.New()
	r.Use(ValidateInput(maxBody, observability.NewNoopMetricsClient()))
	r.Any("/*path", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestValidateInputBlocks(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
	}{
		{name: "sql in query", target: "/search?q=1%27%20OR%20%271"},
		{name: "union select", target: "/search?q=union+select+password+from+users"},
		{name: "path traversal", target: "/files/..%2f..%2fetc%2fpasswd"},
		{name: "encoded traversal", target: "/files?name=%252e%252e%2fsecret"},
		{name: "xss in query", target: "/search?q=%3Cscript%3Ealert(1)%3C/script%3E"},
		{name: "shell metacharacters", target: "/run?cmd=ls%3Brm%20-rf"},
		{name: "control bytes in header", target: "/ok", header: map[string]string{"X-Request-ID": "abc\x01def"}},
		{name: "xss in forwarded header", target: "/ok", header: map[string]string{"X-Forwarded-For": "<script>"}},
		{name: "non-uuid tenant header", target: "/ok", header: map[string]string{"X-Tenant-ID": "not-a-uuid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validationRouter(0)
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "InvalidArgument")
		})
	}
}

func TestValidateInputAllowsCleanRequests(t *testing.T) {
	r := validationRouter(0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents?page=2&sort=created_at", nil)
	req.Header.Set("X-Tenant-ID", "22222222-2222-2222-2222-222222222222")
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidateInputBodyTooLarge(t *testing.T) {
	r := validationRouter(16)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("x", 64)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestValidateInputScreensJSONBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "xss in field", body: `{"query":"<script>alert(1)</script>"}`},
		{name: "xss in nested field", body: `{"metadata":{"note":"javascript:evil()"}}`},
		{name: "xss in array element", body: `{"texts":["fine","<script>bad"]}`},
		{name: "sql in field", body: `{"query":"' OR '1'='1"}`},
		{name: "xss in key", body: `{"<script>":"value"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validationRouter(0)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/query", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "InvalidArgument")
		})
	}
}

func TestValidateInputRestoresJSONBody(t *testing.T) {
	r := gin.New()
	r.Use(ValidateInput(0, observability.NewNoopMetricsClient()))
	r.POST("/echo", func(c *gin.Context) {
		data, err := io.ReadAll(c.Request.Body)
		assert.NoError(t, err)
		c.String(http.StatusOK, string(data))
	})

	body := `{"query":"summarize the second paragraph"}`
	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.String())
}

func TestValidateInputBodyShellCharsAllowed(t *testing.T) {
	r := validationRouter(0)

	// Prose legitimately uses shell metacharacters; only paths and headers
	// treat them as a signal
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rag/query",
		strings.NewReader(`{"query":"what does the $PATH variable do; and why?"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidateInputSkipsNonJSONBodies(t *testing.T) {
	r := validationRouter(0)

	// Uploaded document content is arbitrary and is not pattern-screened
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents/upload",
		strings.NewReader("<script>document body text</script>"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidateInputSkipsUninspectedHeaders(t *testing.T) {
	r := validationRouter(0)

	// Authorization values legitimately contain base64 with shell chars
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Authorization", "Bearer abc$def|ghi")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
