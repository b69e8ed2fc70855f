// Package storage provides blob storage for original uploaded documents
// and the optional extracted-text cache. Objects live under
// <tenant_id>/<document_id> so tenant scoping is structural.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// BlobStore is the contract for original-document storage
type BlobStore interface {
	Put(ctx context.Context, tenantID, documentID string, body io.Reader, contentType string) error
	Get(ctx context.Context, tenantID, documentID string) (io.ReadCloser, error)
	Delete(ctx context.Context, tenantID, documentID string) error
	// PutText and GetText manage the companion extracted-text cache at
	// <tenant_id>/<document_id>.txt
	PutText(ctx context.Context, tenantID, documentID string, text string) error
	GetText(ctx context.Context, tenantID, documentID string) (string, error)
}

// objectKey builds the storage key and rejects traversal in identifiers
func objectKey(tenantID, documentID string) (string, error) {
	if tenantID == "" || documentID == "" {
		return "", apperrors.InvalidArgument("tenant and document ids are required")
	}
	for _, part := range []string{tenantID, documentID} {
		if strings.ContainsAny(part, "/\\") || strings.Contains(part, "..") {
			return "", apperrors.InvalidArgument("invalid identifier in blob key")
		}
	}
	return fmt.Sprintf("%s/%s", tenantID, documentID), nil
}
