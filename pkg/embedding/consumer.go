package embedding

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/queue"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

// VectorIDSetter records a chunk's vector id after indexing
type VectorIDSetter interface {
	SetVectorID(ctx context.Context, tenantID, chunkID, vectorID string) error
}

// Consumer drains chunks.created, embeds each chunk, upserts its vector,
// and announces the result on chunks.indexed. Upserts are idempotent, so
// redeliveries are safe; permanent failures are reported on chunk.failed
// and acked instead of retried.
type Consumer struct {
	bus      queue.Bus
	service  *Service
	vectors  vector.Store
	chunks   VectorIDSetter
	inFlight *semaphore.Weighted
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewConsumer wires the indexing consumer. maxInFlight bounds concurrent
// embed calls when the bus delivers in parallel.
func NewConsumer(
	bus queue.Bus,
	service *Service,
	vectors vector.Store,
	chunks VectorIDSetter,
	maxInFlight int,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Consumer {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &Consumer{
		bus:      bus,
		service:  service,
		vectors:  vectors,
		chunks:   chunks,
		inFlight: semaphore.NewWeighted(int64(maxInFlight)),
		logger:   logger.WithPrefix("indexer"),
		metrics:  metrics,
	}
}

// Run consumes chunks.created until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	return c.bus.Consume(ctx, models.TopicChunksCreated, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg *queue.Message) error {
	if err := c.inFlight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.inFlight.Release(1)

	var event models.ChunkCreatedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// A malformed payload will never parse; ack it and move on
		c.logger.Error("dropping malformed chunk event", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		c.metrics.IncrementCounter("indexer_malformed_events", 1)
		return nil
	}

	started := time.Now()
	err := c.index(ctx, event)
	if err == nil {
		c.metrics.RecordHistogram("indexer_chunk_duration_seconds",
			time.Since(started).Seconds(), map[string]string{"model": event.ModelName})
		c.metrics.IncrementCounter("indexer_chunks_indexed", 1)
		return nil
	}

	if apperrors.IsRetryable(err) {
		return err
	}

	// Permanent failure: report it and ack so the bus stops redelivering
	c.logger.Error("chunk permanently failed", map[string]interface{}{
		"tenant_id":   event.TenantID,
		"document_id": event.DocumentID,
		"chunk_id":    event.ChunkID,
		"error":       err.Error(),
	})
	c.metrics.IncrementCounter("indexer_chunks_failed", 1)
	failure := models.ChunkFailedEvent{
		TenantID:   event.TenantID,
		DocumentID: event.DocumentID,
		ChunkID:    event.ChunkID,
		Error:      err.Error(),
		Attempts:   msg.Attempts,
		FailedAt:   time.Now().UTC(),
	}
	if pubErr := c.bus.Publish(ctx, models.TopicChunkFailed, event.ChunkID, failure); pubErr != nil {
		return pubErr
	}
	return nil
}

func (c *Consumer) index(ctx context.Context, event models.ChunkCreatedEvent) error {
	model := event.ModelName
	if model == "" {
		model = c.service.DefaultModel()
	}

	embedding, err := c.service.EmbedText(ctx, event.TenantID, event.Content, model)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	record := vector.Record{
		ChunkID:    event.ChunkID,
		DocumentID: event.DocumentID,
		Embedding:  embedding,
		ModelName:  model,
		Dimension:  len(embedding),
		Metadata: map[string]interface{}{
			"sequence_number": event.SequenceNumber,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.vectors.Upsert(ctx, event.TenantID, record); err != nil {
		return err
	}

	// The vector shares the chunk's id within the tenant namespace
	if err := c.chunks.SetVectorID(ctx, event.TenantID, event.ChunkID, event.ChunkID); err != nil {
		return err
	}

	indexed := models.ChunkIndexedEvent{
		TenantID:   event.TenantID,
		DocumentID: event.DocumentID,
		ChunkID:    event.ChunkID,
	}
	return c.bus.Publish(ctx, models.TopicChunksIndexed, event.DocumentID, indexed)
}
