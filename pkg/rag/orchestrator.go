package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/database"
	"github.com/contextmesh/contextmesh/pkg/embedding"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/tokenizer"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

// QueryInput is one RAG query
type QueryInput struct {
	TenantID       string
	UserID         string
	ConversationID string
	Query          string
	TopK           int
	DocumentIDs    []string
}

// QueryResult is a finished RAG answer
type QueryResult struct {
	Answer         string              `json:"response"`
	ConversationID string              `json:"conversation_id"`
	Citations      []models.Citation   `json:"sources,omitempty"`
	Metrics        models.QueryMetrics `json:"metrics"`
	Cached         bool                `json:"cached"`
}

// Orchestrator runs the full RAG pipeline for a query: retrieve, rerank,
// assemble, generate, cite, remember
type Orchestrator struct {
	cfg        config.RAGConfig
	embeddings *embedding.Service
	vectors    vector.Store
	chunks     *database.ChunkRepository
	docs       *database.DocumentRepository
	convs      *ConversationStore
	llm        LLMProvider
	kv         cache.Cache
	tok        tokenizer.Tokenizer
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewOrchestrator wires the RAG orchestrator
func NewOrchestrator(
	cfg config.RAGConfig,
	embeddings *embedding.Service,
	vectors vector.Store,
	chunks *database.ChunkRepository,
	docs *database.DocumentRepository,
	convs *ConversationStore,
	llm LLMProvider,
	kv cache.Cache,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		embeddings: embeddings,
		vectors:    vectors,
		chunks:     chunks,
		docs:       docs,
		convs:      convs,
		llm:        llm,
		kv:         kv,
		tok:        tokenizer.NewEstimator(),
		logger:     logger.WithPrefix("rag"),
		metrics:    metrics,
	}
}

// Conversations exposes conversation lookups to the API layer
func (o *Orchestrator) Conversations() *ConversationStore { return o.convs }

// Query answers synchronously
func (o *Orchestrator) Query(ctx context.Context, in QueryInput) (*QueryResult, error) {
	return o.run(ctx, in, nil)
}

// QueryStream answers with incremental deltas delivered to fn, returning
// the final result with citations once the stream completes. Streamed
// answers are never served from or written to the response cache.
func (o *Orchestrator) QueryStream(ctx context.Context, in QueryInput, fn StreamFunc) (*QueryResult, error) {
	if fn == nil {
		return nil, apperrors.Internal("stream callback is required")
	}
	return o.run(ctx, in, fn)
}

func (o *Orchestrator) run(ctx context.Context, in QueryInput, stream StreamFunc) (*QueryResult, error) {
	started := time.Now()

	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" {
		return nil, apperrors.InvalidArgument("query is empty")
	}
	if len(in.Query) > o.cfg.MaxQueryLength {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument,
			"query exceeds maximum length of %d", o.cfg.MaxQueryLength)
	}
	if in.TopK <= 0 {
		in.TopK = o.cfg.DefaultTopK
	}

	// Conversation context feeds both retrieval and the prompt
	var conv *models.Conversation
	if in.ConversationID == "" {
		in.ConversationID = uuid.NewString()
	} else {
		loaded, err := o.convs.Get(ctx, in.TenantID, in.UserID, in.ConversationID)
		if err != nil && !apperrors.Is(err, apperrors.KindNotFound) {
			return nil, err
		}
		conv = loaded
	}

	embedStart := time.Now()
	queryEmbedding, err := o.embeddings.EmbedText(ctx, in.TenantID, o.searchQuery(in.Query, conv), "")
	if err != nil {
		return nil, err
	}
	embedMs := time.Since(embedStart).Milliseconds()

	retrieveStart := time.Now()
	var filters *vector.SearchFilters
	if len(in.DocumentIDs) > 0 {
		filters = &vector.SearchFilters{DocumentIDs: in.DocumentIDs}
	}
	hits, err := o.vectors.Search(ctx, in.TenantID, queryEmbedding, in.TopK, filters)
	if err != nil {
		return nil, err
	}
	ranked, err := o.rankHits(ctx, in, hits)
	if err != nil {
		return nil, err
	}
	retrieveMs := time.Since(retrieveStart).Milliseconds()

	assembled := AssembleContext(ranked, o.cfg.ContextTokenBudget, o.tok)
	if len(assembled.Chunks) == 0 {
		o.metrics.IncrementCounter("rag_no_relevant_context", 1)
		return o.finish(ctx, in, &QueryResult{
			Answer:         noRelevantContextAnswer,
			ConversationID: in.ConversationID,
			Metrics: models.QueryMetrics{
				EmbedMs:    embedMs,
				RetrieveMs: retrieveMs,
				TotalMs:    time.Since(started).Milliseconds(),
			},
		}, nil)
	}

	cacheKey := o.responseCacheKey(in.TenantID, in.Query, assembled)
	cacheable := stream == nil && conv == nil
	if cacheable {
		var cached QueryResult
		if err := o.kv.Get(ctx, cacheKey, &cached); err == nil {
			o.metrics.IncrementCounter("rag_response_cache_hits", 1)
			cached.Cached = true
			cached.ConversationID = in.ConversationID
			return o.finish(ctx, in, &cached, nil)
		} else if !errors.Is(err, cache.ErrNotFound) {
			o.logger.Warn("response cache read failed", map[string]interface{}{"error": err.Error()})
		}
	}

	req := GenerateRequest{
		Model:     o.cfg.Model,
		Messages:  BuildMessages(assembled, conv, in.Query),
		MaxTokens: o.cfg.MaxTokens,
	}

	llmStart := time.Now()
	var completion *Completion
	if stream != nil {
		completion, err = o.llm.Stream(ctx, req, stream)
	} else {
		completion, err = o.llm.Generate(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	llmMs := time.Since(llmStart).Milliseconds()

	citations, dropped := ExtractCitations(completion.Text, assembled, o.filenames(ctx, in.TenantID, assembled))
	if dropped > 0 {
		o.metrics.IncrementCounterWithLabels("rag_citations_dropped", float64(dropped), nil)
	}

	result := &QueryResult{
		Answer:         completion.Text,
		ConversationID: in.ConversationID,
		Citations:      citations,
		Metrics: models.QueryMetrics{
			EmbedMs:    embedMs,
			RetrieveMs: retrieveMs,
			LLMMs:      llmMs,
			TotalMs:    time.Since(started).Milliseconds(),
			TokensIn:   completion.TokensIn,
			TokensOut:  completion.TokensOut,
		},
	}

	var cacheWrite func()
	if cacheable {
		cacheWrite = func() {
			if err := o.kv.Set(ctx, cacheKey, result, o.cfg.ResponseCacheTTL); err != nil {
				o.logger.Warn("response cache write failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
	return o.finish(ctx, in, result, cacheWrite)
}

// finish appends the exchange to conversation memory, writes the response
// cache, and records query metrics
func (o *Orchestrator) finish(ctx context.Context, in QueryInput, result *QueryResult, cacheWrite func()) (*QueryResult, error) {
	if _, err := o.convs.AppendExchange(ctx, in.TenantID, in.UserID, in.ConversationID,
		in.Query, result.Answer, result.Citations); err != nil {
		// The answer is already produced; memory loss is logged, not fatal
		o.logger.Warn("failed to append conversation", map[string]interface{}{
			"conversation_id": in.ConversationID,
			"error":           err.Error(),
		})
	}
	if cacheWrite != nil {
		cacheWrite()
	}
	o.metrics.RecordHistogram("rag_query_duration_seconds",
		float64(result.Metrics.TotalMs)/1000, map[string]string{"cached": boolLabel(result.Cached)})
	o.metrics.IncrementCounter("rag_queries_total", 1)
	return result, nil
}

// rankHits loads chunk rows for the hits, applies the relevance floor, and
// reranks the survivors
func (o *Orchestrator) rankHits(ctx context.Context, in QueryInput, hits []vector.SearchResult) ([]ScoredChunk, error) {
	var ids []string
	scores := make(map[string]float64, len(hits))
	for _, hit := range hits {
		if hit.Score < o.cfg.RelevanceFloor {
			continue
		}
		ids = append(ids, hit.ChunkID)
		scores[hit.ChunkID] = hit.Score
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := o.chunks.GetByIDs(ctx, in.TenantID, ids)
	if err != nil {
		return nil, err
	}
	scored := make([]ScoredChunk, 0, len(rows))
	for _, row := range rows {
		scored = append(scored, ScoredChunk{
			Chunk:       row,
			VectorScore: scores[row.ID],
		})
	}
	return Rerank(in.Query, scored, o.tok), nil
}

// searchQuery folds conversation context into the retrieval query so
// follow-up questions retrieve against their real subject
func (o *Orchestrator) searchQuery(query string, conv *models.Conversation) string {
	if conv == nil {
		return query
	}
	var b strings.Builder
	if conv.Summary != "" {
		b.WriteString(conv.Summary)
		b.WriteString("\n")
	}
	for _, turn := range conv.Turns {
		if turn.Role == models.TurnUser {
			b.WriteString(turn.Text)
			b.WriteString("\n")
		}
	}
	b.WriteString(query)
	return b.String()
}

// responseCacheKey fingerprints the query together with the exact set of
// chunks that would ground the answer, so reindexed content misses
func (o *Orchestrator) responseCacheKey(tenantID, query string, assembled AssembledContext) string {
	ids := make([]string, len(assembled.Chunks))
	for i, sc := range assembled.Chunks {
		ids[i] = sc.Chunk.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(o.cfg.Model))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return cache.TenantKey(tenantID, "rag", hex.EncodeToString(h.Sum(nil)))
}

// filenames resolves the original filename of each document in the context
func (o *Orchestrator) filenames(ctx context.Context, tenantID string, assembled AssembledContext) map[string]string {
	names := make(map[string]string)
	for _, sc := range assembled.Chunks {
		id := sc.Chunk.DocumentID
		if _, ok := names[id]; ok {
			continue
		}
		doc, err := o.docs.GetByID(ctx, tenantID, id)
		if err != nil {
			names[id] = ""
			continue
		}
		names[id] = doc.OriginalFilename
	}
	return names
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
