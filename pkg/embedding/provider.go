// Package embedding turns text into vectors and makes them searchable.
// It hosts the model providers, the tenant-isolated embedding cache, the
// request batcher, and the bus consumer that indexes chunks.
package embedding

import (
	"context"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// Provider generates embeddings for a batch of texts with one model call
type Provider interface {
	GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
	Name() string
}

// modelDimensions registers the declared dimension of each known model.
// Upserting a vector whose length disagrees with this table is a
// programmer error and fails loudly.
var modelDimensions = map[string]int{
	"text-embedding-3-small":       1536,
	"text-embedding-3-large":       3072,
	"text-embedding-ada-002":       1536,
	"amazon.titan-embed-text-v1":   1536,
	"amazon.titan-embed-text-v2:0": 1024,
}

// ModelDimension returns the declared dimension of a model
func ModelDimension(model string) (int, error) {
	dim, ok := modelDimensions[model]
	if !ok {
		return 0, apperrors.Newf(apperrors.KindInvalidArgument, "unknown embedding model %q", model)
	}
	return dim, nil
}

// RegisterModelDimension adds or overrides a model's declared dimension.
// Used by tests and deployments running self-hosted models.
func RegisterModelDimension(model string, dimension int) {
	modelDimensions[model] = dimension
}
