// Package vector provides the tenant-namespaced vector index client.
// Every operation requires a tenant; searches never cross namespaces.
package vector

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// Record is one stored embedding keyed by (tenant, chunk)
type Record struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Embedding  []float32              `json:"embedding"`
	ModelName  string                 `json:"model_name"`
	Dimension  int                    `json:"dimension"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// SearchFilters restricts search results within the tenant namespace
type SearchFilters struct {
	DocumentIDs []string
	Metadata    map[string]string
}

// SearchResult is one ranked neighbor
type SearchResult struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Score      float64                `json:"score"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Store is the vector index contract
type Store interface {
	Upsert(ctx context.Context, tenantID string, record Record) error
	Delete(ctx context.Context, tenantID string, chunkIDs []string) error
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
	Search(ctx context.Context, tenantID string, embedding []float32, topK int, filters *SearchFilters) ([]SearchResult, error)
	Count(ctx context.Context, tenantID string) (int64, error)
}

// Namespace returns the tenant's vector namespace
func Namespace(tenantID string) string {
	return "tenant:" + tenantID
}

func validateRecord(record Record) error {
	if record.ChunkID == "" {
		return apperrors.InvalidArgument("chunk id is required")
	}
	if len(record.Embedding) == 0 {
		return apperrors.InvalidArgument("embedding is empty")
	}
	if record.Dimension != len(record.Embedding) {
		// Dimension mismatch is a programmer error; fail loudly
		panic(fmt.Sprintf("vector: declared dimension %d does not match embedding length %d for model %s",
			record.Dimension, len(record.Embedding), record.ModelName))
	}
	return nil
}

// CosineSimilarity computes cosine similarity between two vectors
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, apperrors.InvalidArgument("vector is empty")
	}
	if len(a) != len(b) {
		return 0, apperrors.InvalidArgument("vector dimensions do not match")
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
