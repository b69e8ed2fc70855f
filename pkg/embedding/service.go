package embedding

import (
	"context"
	"time"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

// Service is the embedding front door: cache-aware text embedding plus
// semantic search over the tenant's vector namespace.
type Service struct {
	batcher *Batcher
	cache   *Cache
	vectors vector.Store
	model   string
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewService wires the embedding service
func NewService(
	cfg config.EmbeddingConfig,
	batcher *Batcher,
	embCache *Cache,
	vectors vector.Store,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Service {
	return &Service{
		batcher: batcher,
		cache:   embCache,
		vectors: vectors,
		model:   cfg.Model,
		logger:  logger.WithPrefix("embedding"),
		metrics: metrics,
	}
}

// DefaultModel returns the configured embedding model
func (s *Service) DefaultModel() string { return s.model }

// EmbedTexts returns one embedding per input text, in order. Cached entries
// are served without a provider call; misses are batched.
func (s *Service) EmbedTexts(ctx context.Context, tenantID string, texts []string, model string) ([][]float32, error) {
	if tenantID == "" {
		return nil, apperrors.InvalidArgument("tenant id is required")
	}
	if len(texts) == 0 {
		return nil, apperrors.InvalidArgument("no texts to embed")
	}
	if model == "" {
		model = s.model
	}
	dim, err := ModelDimension(model)
	if err != nil {
		return nil, err
	}
	for i, text := range texts {
		if text == "" {
			return nil, apperrors.Newf(apperrors.KindInvalidArgument, "text %d is empty", i)
		}
	}

	started := time.Now()
	results := make([][]float32, len(texts))
	misses := 0
	for i, text := range texts {
		if cached := s.cache.Get(ctx, tenantID, text, model); cached != nil {
			results[i] = cached
			continue
		}
		misses++
		embedding, err := s.batcher.Embed(ctx, text, model)
		if err != nil {
			return nil, err
		}
		if len(embedding) != dim {
			return nil, apperrors.Newf(apperrors.KindInternal,
				"model %s returned %d dimensions, expected %d", model, len(embedding), dim)
		}
		s.cache.Put(ctx, tenantID, text, model, embedding)
		results[i] = embedding
	}

	s.metrics.RecordHistogram("embedding_request_duration_seconds",
		time.Since(started).Seconds(), map[string]string{"model": model})
	s.metrics.IncrementCounterWithLabels("embedding_texts_total",
		float64(len(texts)), map[string]string{"model": model})
	if misses > 0 {
		s.metrics.IncrementCounterWithLabels("embedding_provider_texts_total",
			float64(misses), map[string]string{"model": model})
	}
	return results, nil
}

// EmbedText embeds a single text
func (s *Service) EmbedText(ctx context.Context, tenantID, text, model string) ([]float32, error) {
	results, err := s.EmbedTexts(ctx, tenantID, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Search embeds the query and returns the tenant's nearest chunks
func (s *Service) Search(ctx context.Context, tenantID, query string, topK int, filters *vector.SearchFilters) ([]vector.SearchResult, error) {
	if query == "" {
		return nil, apperrors.InvalidArgument("query is empty")
	}
	if topK <= 0 {
		topK = 10
	}
	embedding, err := s.EmbedText(ctx, tenantID, query, s.model)
	if err != nil {
		return nil, err
	}
	return s.vectors.Search(ctx, tenantID, embedding, topK, filters)
}
