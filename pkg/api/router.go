// Package api exposes the platform over HTTP: auth, document management,
// embeddings, and RAG queries. Handlers translate between the wire and the
// services; policy lives in the services themselves.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/contextmesh/contextmesh/pkg/auth"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/embedding"
	"github.com/contextmesh/contextmesh/pkg/ingestion"
	"github.com/contextmesh/contextmesh/pkg/middleware"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/rag"
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) bool

// Server bundles the services behind the HTTP surface
type Server struct {
	cfg        config.ServerConfig
	auth       *auth.Service
	documents  *ingestion.Service
	embeddings *embedding.Service
	rag        *rag.Orchestrator
	limiter    *middleware.RateLimiter
	checks     map[string]HealthCheck
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewServer wires the API server
func NewServer(
	cfg config.ServerConfig,
	authSvc *auth.Service,
	documents *ingestion.Service,
	embeddings *embedding.Service,
	ragSvc *rag.Orchestrator,
	limiter *middleware.RateLimiter,
	checks map[string]HealthCheck,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Server {
	return &Server{
		cfg:        cfg,
		auth:       authSvc,
		documents:  documents,
		embeddings: embeddings,
		rag:        ragSvc,
		limiter:    limiter,
		checks:     checks,
		logger:     logger.WithPrefix("api"),
		metrics:    metrics,
	}
}

// Router builds the gin engine with the full route table
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	v1 := router.Group("/api/v1")

	// Unauthenticated endpoints are limited by the anonymous scopes only
	authGroup := v1.Group("/auth")
	if s.limiter != nil {
		authGroup.Use(s.limiter.Middleware())
	}
	{
		authGroup.POST("/register", s.handleRegister)
		authGroup.POST("/login", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
		authGroup.POST("/validate", s.handleValidate)
		authGroup.POST("/logout", s.handleLogout)
	}

	// Authentication must precede rate limiting so the tenant and user
	// buckets see the caller's claims
	authed := v1.Group("")
	authed.Use(middleware.RequireAuth(s.auth))
	if s.limiter != nil {
		authed.Use(s.limiter.Middleware())
	}

	docs := authed.Group("/documents")
	{
		docs.GET("", s.handleListDocuments)
		docs.GET("/stats", s.handleDocumentStats)
		docs.GET("/:id", s.handleGetDocument)
		docs.GET("/:id/download", s.handleDownloadDocument)
		docs.POST("/upload", middleware.RequireRole(models.RoleUser), s.handleUploadDocument)
		docs.PUT("/:id", middleware.RequireRole(models.RoleUser), s.handleUpdateDocument)
		docs.DELETE("/:id", middleware.RequireRole(models.RoleUser), s.handleDeleteDocument)
	}

	embeddings := authed.Group("/embeddings")
	{
		embeddings.POST("/generate", s.handleGenerateEmbeddings)
		embeddings.POST("/search", s.handleSearchEmbeddings)
	}

	ragGroup := authed.Group("/rag")
	{
		ragGroup.POST("/query", s.handleQuery)
		ragGroup.POST("/query/stream", s.handleQueryStream)
		ragGroup.GET("/conversations/:id", s.handleGetConversation)
		ragGroup.DELETE("/conversations/:id", s.handleDeleteConversation)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady answers 503 until every dependency check passes
func (s *Server) handleReady(c *gin.Context) {
	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if check(c.Request.Context()) {
			results[name] = "ok"
			continue
		}
		results[name] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"checks": results})
}
