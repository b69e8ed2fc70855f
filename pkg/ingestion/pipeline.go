package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/chunking"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/database"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/queue"
	"github.com/contextmesh/contextmesh/pkg/storage"
)

// job is one document waiting to be processed
type job struct {
	tenantID   string
	documentID string
}

// Pipeline turns a PENDING document into persisted, bus-published chunks.
// Submitted jobs run on a fixed worker pool; a crashed worker leaves the
// document in PROCESSING for the watchdog to time out.
type Pipeline struct {
	cfg       config.IngestionConfig
	db        *sqlx.DB
	tenants   *database.TenantRepository
	docs      *database.DocumentRepository
	chunks    *database.ChunkRepository
	blobs     storage.BlobStore
	bus       queue.Bus
	kv        cache.Cache
	extractor Extractor
	jobs      chan job
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// NewPipeline wires the processing pipeline
func NewPipeline(
	cfg config.IngestionConfig,
	db *sqlx.DB,
	tenants *database.TenantRepository,
	docs *database.DocumentRepository,
	chunks *database.ChunkRepository,
	blobs storage.BlobStore,
	bus queue.Bus,
	kv cache.Cache,
	extractor Extractor,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Pipeline {
	workers := cfg.ProcessingWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		cfg:       cfg,
		db:        db,
		tenants:   tenants,
		docs:      docs,
		chunks:    chunks,
		blobs:     blobs,
		bus:       bus,
		kv:        kv,
		extractor: extractor,
		jobs:      make(chan job, workers*4),
		logger:    logger.WithPrefix("pipeline"),
		metrics:   metrics,
	}
}

// Submit queues a document for processing. Blocks when the queue is full,
// which backpressures uploads instead of dropping work.
func (p *Pipeline) Submit(tenantID, documentID string) {
	p.jobs <- job{tenantID: tenantID, documentID: documentID}
}

// Run processes submitted jobs until ctx is cancelled
func (p *Pipeline) Run(ctx context.Context) error {
	workers := p.cfg.ProcessingWorkers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.jobs:
					if err := p.Process(ctx, j.tenantID, j.documentID); err != nil {
						p.logger.Error("document processing failed", map[string]interface{}{
							"tenant_id":   j.tenantID,
							"document_id": j.documentID,
							"error":       err.Error(),
						})
					}
				}
			}
		}()
	}
	<-ctx.Done()
	return ctx.Err()
}

// Process runs the full pipeline for one document. Safe to call twice; the
// PENDING -> PROCESSING guard makes the second call a no-op.
func (p *Pipeline) Process(ctx context.Context, tenantID, documentID string) error {
	claimed, err := p.docs.TransitionStatus(ctx, tenantID, documentID,
		models.DocumentPending, models.DocumentProcessing, "")
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	started := time.Now()
	if err := p.process(ctx, tenantID, documentID); err != nil {
		p.fail(ctx, tenantID, documentID, err)
		return err
	}
	p.metrics.RecordHistogram("ingestion_processing_duration_seconds",
		time.Since(started).Seconds(), nil)
	return nil
}

func (p *Pipeline) process(ctx context.Context, tenantID, documentID string) error {
	doc, err := p.docs.GetByID(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	tenant, err := p.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return err
	}

	body, err := p.blobs.Get(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	text, err := p.extractor.Extract(doc.ContentType, body)
	_ = body.Close()
	if err != nil {
		return err
	}

	if visibleChars(text) < p.cfg.MinTextChars {
		return fmt.Errorf("document contains no extractable text")
	}

	// Cache the extracted text so reprocessing and previews skip extraction
	if err := p.blobs.PutText(ctx, tenantID, documentID, text); err != nil {
		p.logger.Warn("failed to cache extracted text", map[string]interface{}{
			"tenant_id":   tenantID,
			"document_id": documentID,
			"error":       err.Error(),
		})
	}

	policy := tenant.ChunkingPolicy
	if policy.Size <= 0 {
		policy = models.ChunkingPolicy{
			Size:     p.cfg.DefaultChunkSize,
			Overlap:  p.cfg.DefaultOverlap,
			Strategy: models.ChunkingStrategy(p.cfg.DefaultStrategy),
		}
	}
	chunker, err := chunking.New(policy.Strategy)
	if err != nil {
		return err
	}
	pieces, err := chunker.Chunk(text, policy)
	if err != nil {
		return err
	}
	if len(pieces) == 0 {
		return fmt.Errorf("document contains no extractable text")
	}

	now := time.Now().UTC()
	rows := make([]models.Chunk, len(pieces))
	for i, piece := range pieces {
		rows[i] = models.Chunk{
			ID:             uuid.NewString(),
			DocumentID:     documentID,
			TenantID:       tenantID,
			SequenceNumber: i,
			Content:        piece.Content,
			StartOffset:    piece.StartOffset,
			EndOffset:      piece.EndOffset,
			TokenCount:     piece.TokenCount,
			CreatedAt:      now,
		}
	}

	err = database.WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		if err := p.chunks.InsertBatch(ctx, tx, rows); err != nil {
			return err
		}
		return p.docs.SetChunkCount(ctx, tx, tenantID, documentID, len(rows))
	})
	if err != nil {
		return err
	}

	// The counter must exist before the first indexed ack can arrive
	counterTTL := 2 * p.cfg.IndexingTimeout
	if err := p.kv.Set(ctx, indexingCounterKey(tenantID, documentID), len(rows), counterTTL); err != nil {
		return err
	}

	for _, row := range rows {
		event := models.ChunkCreatedEvent{
			TenantID:       tenantID,
			DocumentID:     documentID,
			ChunkID:        row.ID,
			SequenceNumber: row.SequenceNumber,
			Content:        row.Content,
			ModelName:      tenant.EmbeddingModel,
		}
		if err := p.bus.Publish(ctx, models.TopicChunksCreated, documentID, event); err != nil {
			return err
		}
	}

	p.metrics.IncrementCounter("ingestion_documents_processed", 1)
	p.metrics.IncrementCounterWithLabels("ingestion_chunks_created",
		float64(len(rows)), map[string]string{"strategy": string(policy.Strategy)})
	return nil
}

// fail moves the document to FAILED and announces it
func (p *Pipeline) fail(ctx context.Context, tenantID, documentID string, cause error) {
	moved, err := p.docs.TransitionStatus(ctx, tenantID, documentID,
		models.DocumentProcessing, models.DocumentFailed, cause.Error())
	if err != nil || !moved {
		return
	}
	p.metrics.IncrementCounter("ingestion_documents_failed", 1)
	event := models.DocumentLifecycleEvent{
		TenantID:   tenantID,
		DocumentID: documentID,
		Status:     string(models.DocumentFailed),
		Reason:     cause.Error(),
	}
	if err := p.bus.Publish(ctx, models.TopicDocumentFailed, documentID, event); err != nil {
		p.logger.Error("failed to publish document failure", map[string]interface{}{
			"tenant_id":   tenantID,
			"document_id": documentID,
			"error":       err.Error(),
		})
	}
}
