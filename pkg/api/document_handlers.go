package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/ingestion"
	"github.com/contextmesh/contextmesh/pkg/middleware"
	"github.com/contextmesh/contextmesh/pkg/models"
)

// extensionContentTypes resolves uploads whose part carries a generic type
var extensionContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".doc":  "application/msword",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".rtf":  "application/rtf",
	".odt":  "application/vnd.oasis.opendocument.text",
}

func (s *Server) handleUploadDocument(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		middleware.AbortWithError(c, apperrors.InvalidArgument("multipart field 'file' is required"))
		return
	}

	contentType := fileHeader.Header.Get("Content-Type")
	if mediaType, _, parseErr := mime.ParseMediaType(contentType); parseErr == nil {
		contentType = mediaType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt, ok := extensionContentTypes[filepath.Ext(fileHeader.Filename)]; ok {
			contentType = byExt
		}
	}

	var metadata models.JSONMap
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			middleware.AbortWithError(c, apperrors.InvalidArgument("metadata must be a JSON object"))
			return
		}
	}

	file, err := fileHeader.Open()
	if err != nil {
		middleware.AbortWithError(c, apperrors.Wrap(apperrors.KindInternal, "open upload", err))
		return
	}
	defer func() { _ = file.Close() }()

	doc, err := s.documents.Upload(c.Request.Context(), ingestion.UploadInput{
		TenantID:    claims.TenantID,
		UserID:      claims.UserID,
		Filename:    filepath.Base(fileHeader.Filename),
		ContentType: contentType,
		Size:        fileHeader.Size,
		Body:        file,
		Metadata:    metadata,
	})
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	sort := c.DefaultQuery("sort", "created_at")

	result, err := s.documents.List(c.Request.Context(), claims.TenantID, page, size, sort)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetDocument(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	doc, err := s.documents.Get(c.Request.Context(), claims.TenantID, c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleDownloadDocument(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	doc, body, err := s.documents.Download(c.Request.Context(), claims.TenantID, c.Param("id"))
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	defer func() { _ = body.Close() }()

	c.Header("Content-Disposition", `attachment; filename="`+doc.OriginalFilename+`"`)
	c.Header("Content-Type", doc.ContentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		s.logger.Warn("download interrupted", map[string]interface{}{
			"document_id": doc.ID,
			"error":       err.Error(),
		})
	}
}

type updateDocumentRequest struct {
	Filename *string        `json:"filename,omitempty"`
	Metadata models.JSONMap `json:"metadata,omitempty"`
}

func (s *Server) handleUpdateDocument(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	var req updateDocumentRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Filename == nil && req.Metadata == nil {
		middleware.AbortWithError(c, apperrors.InvalidArgument("nothing to update"))
		return
	}
	if req.Filename != nil && *req.Filename == "" {
		middleware.AbortWithError(c, apperrors.InvalidArgument("filename cannot be empty"))
		return
	}

	doc, err := s.documents.Update(c.Request.Context(), claims.TenantID, c.Param("id"), req.Filename, req.Metadata)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	if err := s.documents.Delete(c.Request.Context(), claims.TenantID, c.Param("id")); err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDocumentStats(c *gin.Context) {
	claims := middleware.ClaimsFrom(c)
	stats, err := s.documents.Stats(c.Request.Context(), claims.TenantID)
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
