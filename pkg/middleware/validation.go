package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// Injection patterns screened out of query strings, path segments, header
// values, and JSON body string fields before any handler runs. Multipart
// bodies are bounded but not pattern-screened; document content is
// legitimately arbitrary.
var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\b.*\bselect\b|\bselect\b.*\bfrom\b|\binsert\b.*\binto\b|\bdrop\b.*\btable\b|\bdelete\b.*\bfrom\b|--\s|;\s*--|'\s*or\s+'?\d|'\s*or\s*'[^']*'\s*=)`)
	shellPattern        = regexp.MustCompile("[;&|`$]|\\$\\(")
	traversalPattern    = regexp.MustCompile(`\.\.[/\\]|%2e%2e`)
	xssPattern          = regexp.MustCompile(`(?i)(<script|javascript:|onerror\s*=|onload\s*=)`)

	// headerValuePattern is the allow-list for inspected header values
	headerValuePattern = regexp.MustCompile(`^[\x20-\x7e]*$`)
)

// inspectedHeaders are screened; auth and standard headers are exempt
var inspectedHeaders = []string{"X-Tenant-ID", "X-Request-ID", "X-Forwarded-For"}

// ValidateInput screens requests for injection attempts and enforces the
// body size cap. It rejects rather than sanitizes; a mangled request is
// worse than a refused one.
func ValidateInput(maxBodyBytes int64, metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodyBytes > 0 && c.Request.ContentLength > maxBodyBytes {
			AbortWithError(c, apperrors.QuotaExceeded("request body too large"))
			return
		}
		if maxBodyBytes > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}

		if reason := inspectRequest(c); reason != "" {
			metrics.IncrementCounterWithLabels("gateway_requests_blocked", 1,
				map[string]string{"reason": reason})
			AbortWithError(c, apperrors.InvalidArgument("request rejected by input validation"))
			return
		}
		c.Next()
	}
}

func inspectRequest(c *gin.Context) string {
	if reason := inspectValue(c.Request.URL.Path); reason != "" {
		return reason
	}
	for key, values := range c.Request.URL.Query() {
		for _, value := range values {
			if reason := inspectValue(key + "=" + value); reason != "" {
				return reason
			}
		}
	}
	for _, name := range inspectedHeaders {
		value := c.GetHeader(name)
		if value == "" {
			continue
		}
		if !headerValuePattern.MatchString(value) {
			return "header"
		}
		if reason := inspectValue(value); reason != "" {
			return reason
		}
	}
	if tenantID := c.GetHeader("X-Tenant-ID"); tenantID != "" {
		if _, err := uuid.Parse(tenantID); err != nil {
			return "tenant_id"
		}
	}
	return inspectJSONBody(c)
}

// inspectJSONBody screens the string fields of a JSON request body. The
// body is restored afterwards so handlers can still bind it.
func inspectJSONBody(c *gin.Context) string {
	if c.Request.Body == nil || c.ContentType() != "application/json" {
		return ""
	}
	raw, err := io.ReadAll(c.Request.Body)
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return "body"
	}
	if len(raw) == 0 {
		return ""
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		// Not parseable; the handler rejects it on bind
		return ""
	}
	return inspectJSONValue(decoded)
}

func inspectJSONValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return inspectFieldValue(val)
	case map[string]interface{}:
		for key, item := range val {
			if reason := inspectFieldValue(key); reason != "" {
				return reason
			}
			if reason := inspectJSONValue(item); reason != "" {
				return reason
			}
		}
	case []interface{}:
		for _, item := range val {
			if reason := inspectJSONValue(item); reason != "" {
				return reason
			}
		}
	}
	return ""
}

func inspectValue(value string) string {
	if reason := inspectFieldValue(value); reason != "" {
		return reason
	}
	if shellPattern.MatchString(value) {
		return "shell"
	}
	return ""
}

// inspectFieldValue omits the shell check: shell metacharacters are only a
// signal in paths and headers, while body text uses them legitimately
func inspectFieldValue(value string) string {
	lowered := strings.ToLower(value)
	switch {
	case traversalPattern.MatchString(lowered):
		return "traversal"
	case sqlInjectionPattern.MatchString(value):
		return "sql"
	case xssPattern.MatchString(value):
		return "xss"
	}
	return ""
}
