package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/contextmesh/contextmesh/pkg/middleware"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

type generateEmbeddingsRequest struct {
	Texts []string `json:"texts" validate:"required,min=1,max=128,dive,required"`
	Model string   `json:"model,omitempty"`
}

func (s *Server) handleGenerateEmbeddings(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	var req generateEmbeddingsRequest
	if !bindJSON(c, &req) {
		return
	}
	embeddings, err := s.embeddings.EmbedTexts(c.Request.Context(), claims.TenantID, req.Texts, req.Model)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"embeddings": embeddings,
		"count":      len(embeddings),
	})
}

type searchEmbeddingsRequest struct {
	Query       string   `json:"query" validate:"required"`
	TopK        int      `json:"top_k,omitempty" validate:"omitempty,min=1,max=100"`
	DocumentIDs []string `json:"document_ids,omitempty" validate:"omitempty,dive,uuid4"`
}

func (s *Server) handleSearchEmbeddings(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	var req searchEmbeddingsRequest
	if !bindJSON(c, &req) {
		return
	}
	var filters *vector.SearchFilters
	if len(req.DocumentIDs) > 0 {
		filters = &vector.SearchFilters{DocumentIDs: req.DocumentIDs}
	}
	results, err := s.embeddings.Search(c.Request.Context(), claims.TenantID, req.Query, req.TopK, filters)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
