package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/middleware"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	TenantID string `json:"tenant_id" validate:"required,uuid4"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := s.auth.Register(c.Request.Context(), req.Email, req.Password, req.TenantID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := s.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type validateRequest struct {
	Token string `json:"token" validate:"required"`
}

// handleValidate checks the submitted token and returns its claims
func (s *Server) handleValidate(c *gin.Context) {
	var req validateRequest
	if !bindJSON(c, &req) {
		return
	}
	claims, err := s.auth.Validate(c.Request.Context(), req.Token)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid": true,
		"claims": gin.H{
			"user_id":   claims.UserID,
			"tenant_id": claims.TenantID,
			"role":      claims.Role,
			"expires":   claims.ExpiresAt,
		},
	})
}

// handleLogout revokes the presented token for its remaining lifetime
func (s *Server) handleLogout(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		middleware.AbortWithError(c, apperrors.Unauthenticated("missing bearer token"))
		return
	}
	if err := s.auth.Revoke(c.Request.Context(), token); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
