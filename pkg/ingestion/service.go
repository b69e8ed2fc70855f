package ingestion

import (
	"context"
	"errors"
	"io"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/database"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
	"github.com/contextmesh/contextmesh/pkg/storage"
	"github.com/contextmesh/contextmesh/pkg/vector"
)

// Service is the document management front door: upload, lookup, listing,
// update, stats, and the delete cascade. Processing itself runs on the
// Pipeline.
type Service struct {
	cfg      config.IngestionConfig
	tenants  *database.TenantRepository
	docs     *database.DocumentRepository
	chunks   *database.ChunkRepository
	blobs    storage.BlobStore
	vectors  vector.Store
	kv       cache.Cache
	pipeline *Pipeline
	logger   observability.Logger
	metrics  observability.MetricsClient
}

// NewService wires the ingestion service
func NewService(
	cfg config.IngestionConfig,
	tenants *database.TenantRepository,
	docs *database.DocumentRepository,
	chunks *database.ChunkRepository,
	blobs storage.BlobStore,
	vectors vector.Store,
	kv cache.Cache,
	pipeline *Pipeline,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Service {
	return &Service{
		cfg:      cfg,
		tenants:  tenants,
		docs:     docs,
		chunks:   chunks,
		blobs:    blobs,
		vectors:  vectors,
		kv:       kv,
		pipeline: pipeline,
		logger:   logger.WithPrefix("ingestion"),
		metrics:  metrics,
	}
}

// UploadInput carries one upload request
type UploadInput struct {
	TenantID    string
	UserID      string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
	Metadata    models.JSONMap
}

// Upload validates the file, stores the original, creates the PENDING
// document row, and submits it to the processing pipeline.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*models.Document, error) {
	if in.Filename == "" {
		return nil, apperrors.InvalidArgument("filename is required")
	}
	if !SupportedContentTypes[in.ContentType] {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument, "unsupported content type %q", in.ContentType)
	}
	if in.Size <= 0 {
		return nil, apperrors.InvalidArgument("file is empty")
	}
	if in.Size > s.cfg.MaxFileSize {
		return nil, apperrors.Newf(apperrors.KindQuotaExceeded,
			"file exceeds maximum size of %d bytes", s.cfg.MaxFileSize)
	}

	tenant, err := s.tenants.GetByID(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status != models.TenantActive {
		return nil, apperrors.FailedPrecondition("tenant is suspended")
	}

	stats, err := s.docs.Stats(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Quotas.MaxDocuments > 0 && stats.TotalDocuments >= tenant.Quotas.MaxDocuments {
		return nil, apperrors.QuotaExceeded("document quota exceeded").
			WithDetail("max_documents", tenant.Quotas.MaxDocuments)
	}
	if tenant.Quotas.MaxStorageBytes > 0 && stats.StorageBytes+in.Size > tenant.Quotas.MaxStorageBytes {
		return nil, apperrors.QuotaExceeded("storage quota exceeded").
			WithDetail("max_storage_bytes", tenant.Quotas.MaxStorageBytes)
	}

	doc := &models.Document{
		ID:               uuid.NewString(),
		TenantID:         in.TenantID,
		OriginalFilename: in.Filename,
		ContentType:      in.ContentType,
		Size:             in.Size,
		UploadedBy:       in.UserID,
		Status:           models.DocumentPending,
		Metadata:         in.Metadata,
	}
	doc.StoredFilename = doc.ID

	body := io.LimitReader(in.Body, s.cfg.MaxFileSize+1)
	if err := s.blobs.Put(ctx, in.TenantID, doc.ID, body, in.ContentType); err != nil {
		return nil, err
	}

	if err := s.docs.Create(ctx, doc); err != nil {
		// The blob is orphaned otherwise
		if cleanupErr := s.blobs.Delete(ctx, in.TenantID, doc.ID); cleanupErr != nil {
			s.logger.Warn("failed to remove blob after insert failure", map[string]interface{}{
				"tenant_id":   in.TenantID,
				"document_id": doc.ID,
				"error":       cleanupErr.Error(),
			})
		}
		return nil, err
	}

	s.metrics.IncrementCounterWithLabels("documents_uploaded", 1,
		map[string]string{"content_type": in.ContentType})
	s.pipeline.Submit(in.TenantID, doc.ID)
	return doc, nil
}

// Get returns one document within the tenant
func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.Document, error) {
	return s.docs.GetByID(ctx, tenantID, id)
}

// List returns a page of the tenant's documents
func (s *Service) List(ctx context.Context, tenantID string, page, size int, sort string) (*models.Page[models.DocumentSummary], error) {
	return s.docs.List(ctx, tenantID, page, size, sort)
}

// Update changes a document's filename and/or metadata
func (s *Service) Update(ctx context.Context, tenantID, id string, filename *string, metadata models.JSONMap) (*models.Document, error) {
	return s.docs.Update(ctx, tenantID, id, filename, metadata)
}

// Stats aggregates the tenant's document usage
func (s *Service) Stats(ctx context.Context, tenantID string) (*models.DocumentStats, error) {
	return s.docs.Stats(ctx, tenantID)
}

// Download streams the original uploaded file
func (s *Service) Download(ctx context.Context, tenantID, id string) (*models.Document, io.ReadCloser, error) {
	doc, err := s.docs.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	body, err := s.blobs.Get(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	return doc, body, nil
}

// Delete removes a document and everything derived from it: vectors first
// so stale search results cannot cite a missing document, then chunks, the
// blob, and finally the row. Each step retries transient failures.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	if _, err := s.docs.GetByID(ctx, tenantID, id); err != nil {
		return err
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"vectors", func() error { return s.vectors.DeleteByDocument(ctx, tenantID, id) }},
		{"chunks", func() error { return s.chunks.DeleteByDocument(ctx, tenantID, id) }},
		{"blob", func() error {
			err := s.blobs.Delete(ctx, tenantID, id)
			if apperrors.Is(err, apperrors.KindNotFound) {
				return nil
			}
			return err
		}},
	}
	for _, step := range steps {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		if err := backoff.Retry(func() error {
			err := step.run()
			if err != nil && !apperrors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}, policy); err != nil {
			return apperrors.Wrap(apperrors.KindUnavailable, "delete document "+step.name, err)
		}
	}

	if err := s.kv.Delete(ctx, indexingCounterKey(tenantID, id)); err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn("failed to drop indexing counter", map[string]interface{}{
			"tenant_id":   tenantID,
			"document_id": id,
			"error":       err.Error(),
		})
	}

	if err := s.docs.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.metrics.IncrementCounter("documents_deleted", 1)
	return nil
}

// indexingCounterKey names the per-document remaining-chunks counter
func indexingCounterKey(tenantID, documentID string) string {
	return cache.TenantKey(tenantID, "indexing", documentID)
}
