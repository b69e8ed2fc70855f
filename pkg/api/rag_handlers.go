package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/middleware"
	"github.com/contextmesh/contextmesh/pkg/rag"
)

type queryRequest struct {
	Query          string   `json:"query" validate:"required"`
	ConversationID string   `json:"conversation_id,omitempty" validate:"omitempty,uuid4"`
	TopK           int      `json:"top_k,omitempty" validate:"omitempty,min=1,max=50"`
	IncludeContext *bool    `json:"include_context,omitempty"`
	DocumentIDs    []string `json:"document_ids,omitempty" validate:"omitempty,dive,uuid4"`
}

// includeContext defaults to true when the caller leaves it unset
func (r queryRequest) includeContext() bool {
	return r.IncludeContext == nil || *r.IncludeContext
}

func (s *Server) queryInput(c *gin.Context, req queryRequest) rag.QueryInput {
	claims := middleware.ClaimsFrom(c)
	return rag.QueryInput{
		TenantID:       claims.TenantID,
		UserID:         claims.UserID,
		ConversationID: req.ConversationID,
		Query:          req.Query,
		TopK:           req.TopK,
		DocumentIDs:    req.DocumentIDs,
	}
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := s.rag.Query(c.Request.Context(), s.queryInput(c, req))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	if !req.includeContext() {
		result.Citations = nil
	}
	c.JSON(http.StatusOK, result)
}

// handleQueryStream answers over SSE. Events: "delta" carries answer text
// as it is generated, "citations" and "done" close a successful stream,
// and "error" reports a failure after streaming has begun.
func (s *Server) handleQueryStream(c *gin.Context) {
	var req queryRequest
	if !bindJSON(c, &req) {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		middleware.AbortWithError(c, apperrors.Internal("streaming unsupported"))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeEvent := func(event string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		_, _ = c.Writer.WriteString("event: " + event + "\ndata: " + string(data) + "\n\n")
		flusher.Flush()
	}

	result, err := s.rag.QueryStream(c.Request.Context(), s.queryInput(c, req), func(delta string) error {
		writeEvent("delta", gin.H{"text": delta})
		return c.Request.Context().Err()
	})
	if err != nil {
		// Headers are already on the wire; the failure must ride the stream
		kind := apperrors.KindOf(err)
		message := "internal server error"
		var ae *apperrors.Error
		if kind != apperrors.KindInternal && errors.As(err, &ae) {
			message = ae.Message
		}
		writeEvent("error", gin.H{"code": string(kind), "message": message})
		return
	}

	if req.includeContext() && len(result.Citations) > 0 {
		writeEvent("citations", result.Citations)
	}
	writeEvent("done", gin.H{
		"conversation_id": result.ConversationID,
		"metrics":         result.Metrics,
	})
}

func (s *Server) handleGetConversation(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	conv, err := s.rag.Conversations().Get(c.Request.Context(), claims.TenantID, claims.UserID, c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if err := s.rag.Conversations().Delete(c.Request.Context(), claims.TenantID, claims.UserID, c.Param("id")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
