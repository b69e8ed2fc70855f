package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/database"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/queue"
)

// CounterStore is the atomic KV surface the tracker needs
type CounterStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	DecrementClamped(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Tracker drives documents to their terminal state. It counts indexed
// chunks down to zero for COMPLETED, fails documents whose chunks were
// dead-lettered, and times out documents whose pipeline was lost.
type Tracker struct {
	cfg     config.IngestionConfig
	docs    *database.DocumentRepository
	kv      CounterStore
	bus     queue.Bus
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewTracker wires the completion tracker
func NewTracker(
	cfg config.IngestionConfig,
	docs *database.DocumentRepository,
	kv CounterStore,
	bus queue.Bus,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Tracker {
	return &Tracker{
		cfg:     cfg,
		docs:    docs,
		kv:      kv,
		bus:     bus,
		logger:  logger.WithPrefix("tracker"),
		metrics: metrics,
	}
}

// Run consumes indexing acks and failures and sweeps stalled documents
// until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.bus.Consume(ctx, models.TopicChunksIndexed, t.handleIndexed)
	})
	g.Go(func() error {
		return t.bus.Consume(ctx, models.TopicChunkFailed, t.handleFailed)
	})
	g.Go(func() error {
		return t.sweep(ctx)
	})
	return g.Wait()
}

func (t *Tracker) handleIndexed(ctx context.Context, msg *queue.Message) error {
	var event models.ChunkIndexedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		t.logger.Error("dropping malformed indexed event", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return nil
	}

	// The bus redelivers; only the first ack per chunk may decrement
	ackKey := cache.TenantKey(event.TenantID, "acked", event.ChunkID)
	first, err := t.kv.SetNX(ctx, ackKey, 1, 2*t.cfg.IndexingTimeout)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	remaining, err := t.kv.DecrementClamped(ctx, indexingCounterKey(event.TenantID, event.DocumentID))
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	moved, err := t.docs.TransitionStatus(ctx, event.TenantID, event.DocumentID,
		models.DocumentProcessing, models.DocumentCompleted, "")
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	if err := t.kv.Delete(ctx, indexingCounterKey(event.TenantID, event.DocumentID)); err != nil {
		t.logger.Warn("failed to drop indexing counter", map[string]interface{}{
			"tenant_id":   event.TenantID,
			"document_id": event.DocumentID,
			"error":       err.Error(),
		})
	}
	t.metrics.IncrementCounter("ingestion_documents_completed", 1)
	done := models.DocumentLifecycleEvent{
		TenantID:   event.TenantID,
		DocumentID: event.DocumentID,
		Status:     string(models.DocumentCompleted),
	}
	return t.bus.Publish(ctx, models.TopicDocumentCompleted, event.DocumentID, done)
}

// handleFailed fails the whole document when any chunk is dead-lettered
func (t *Tracker) handleFailed(ctx context.Context, msg *queue.Message) error {
	var event models.ChunkFailedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		t.logger.Error("dropping malformed failure event", map[string]interface{}{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
		return nil
	}

	moved, err := t.docs.TransitionStatus(ctx, event.TenantID, event.DocumentID,
		models.DocumentProcessing, models.DocumentFailed, "chunk indexing failed: "+event.Error)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	if err := t.kv.Delete(ctx, indexingCounterKey(event.TenantID, event.DocumentID)); err != nil {
		t.logger.Warn("failed to drop indexing counter", map[string]interface{}{
			"tenant_id":   event.TenantID,
			"document_id": event.DocumentID,
			"error":       err.Error(),
		})
	}
	t.metrics.IncrementCounter("ingestion_documents_failed", 1)
	failure := models.DocumentLifecycleEvent{
		TenantID:   event.TenantID,
		DocumentID: event.DocumentID,
		Status:     string(models.DocumentFailed),
		Reason:     "chunk indexing failed: " + event.Error,
	}
	return t.bus.Publish(ctx, models.TopicDocumentFailed, event.DocumentID, failure)
}

// sweep times out documents stuck in PROCESSING past the indexing deadline
func (t *Tracker) sweep(ctx context.Context) error {
	interval := t.cfg.IndexingTimeout / 4
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		refs, err := t.docs.ListStalled(ctx, t.cfg.IndexingTimeout, 100)
		if err != nil {
			t.logger.Error("stalled document sweep failed", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		for _, ref := range refs {
			moved, err := t.docs.TransitionStatus(ctx, ref.TenantID, ref.ID,
				models.DocumentProcessing, models.DocumentFailed, "indexing timed out")
			if err != nil || !moved {
				continue
			}
			t.metrics.IncrementCounter("ingestion_documents_timed_out", 1)
			event := models.DocumentLifecycleEvent{
				TenantID:   ref.TenantID,
				DocumentID: ref.ID,
				Status:     string(models.DocumentFailed),
				Reason:     "indexing timed out",
			}
			if err := t.bus.Publish(ctx, models.TopicDocumentFailed, ref.ID, event); err != nil {
				t.logger.Error("failed to publish timeout", map[string]interface{}{
					"tenant_id":   ref.TenantID,
					"document_id": ref.ID,
					"error":       err.Error(),
				})
			}
		}
	}
}
