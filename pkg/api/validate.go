package api

import (
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/middleware"
)

var validate = validator.New()

// bindJSON decodes and validates a JSON payload, writing the error
// envelope on failure. Returns false when the request was rejected.
func bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		middleware.AbortWithError(c, apperrors.Wrap(apperrors.KindInvalidArgument, "invalid request body", err))
		return false
	}
	if err := validate.Struct(out); err != nil {
		appErr := apperrors.InvalidArgument("request validation failed")
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				appErr.WithDetail(fe.Field(), fe.Tag())
			}
		}
		middleware.AbortWithError(c, appErr)
		return false
	}
	return true
}
