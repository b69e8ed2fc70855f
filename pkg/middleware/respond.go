// Package middleware provides the gin middleware shared by the gateway and
// the API server: request ids, auth, security headers, input hardening,
// and hierarchical rate limiting. It also owns the uniform error envelope.
package middleware

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// ErrorBody is the error half of the envelope
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the uniform error envelope every endpoint returns
type ErrorResponse struct {
	Status    string    `json:"status"`
	Error     ErrorBody `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// AbortWithError writes the error envelope for a classified error and
// stops the handler chain. Internal causes never reach the wire.
func AbortWithError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	message := "internal server error"
	var details map[string]interface{}
	if kind != apperrors.KindInternal {
		var ae *apperrors.Error
		if errors.As(err, &ae) {
			message = ae.Message
			details = ae.Details
		}
	}
	c.AbortWithStatusJSON(apperrors.HTTPStatus(kind), ErrorResponse{
		Status: "error",
		Error: ErrorBody{
			Code:    string(kind),
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
		RequestID: RequestIDFrom(c),
	})
}
