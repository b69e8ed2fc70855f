package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/models"
)

// DocumentRepository manages document rows. Every read and write is scoped
// by tenant id.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a document repository
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, tenant_id, original_filename, stored_filename, content_type, size,
	uploaded_by, status, status_message, chunk_count, metadata, created_at, updated_at`

// sortColumns is the allow-list for the list endpoint's sort parameter
var sortColumns = map[string]string{
	"created_at": "created_at",
	"filename":   "original_filename",
	"size":       "size",
	"status":     "status",
}

// Create inserts a new document row
func (r *DocumentRepository) Create(ctx context.Context, d *models.Document) error {
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.ID, d.TenantID, d.OriginalFilename, d.StoredFilename, d.ContentType, d.Size,
		d.UploadedBy, d.Status, d.StatusMessage, d.ChunkCount, d.Metadata, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "insert document", err)
	}
	return nil
}

// GetByID fetches a document within the tenant. Documents in other tenants
// surface as NotFound so existence does not leak.
func (r *DocumentRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Document, error) {
	var d models.Document
	err := r.db.GetContext(ctx, &d,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, notFoundOr(err, "document")
	}
	return &d, nil
}

// List returns a page of document summaries for the tenant
func (r *DocumentRepository) List(ctx context.Context, tenantID string, page, size int, sort string) (*models.Page[models.DocumentSummary], error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 200 {
		size = 20
	}
	column, ok := sortColumns[sort]
	if !ok {
		column = "created_at"
	}

	var total int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "count documents", err)
	}

	var items []models.DocumentSummary
	query := fmt.Sprintf(`
		SELECT id, original_filename, content_type, size, status, chunk_count, created_at
		FROM documents WHERE tenant_id = $1
		ORDER BY %s DESC LIMIT $2 OFFSET $3`, column)
	if err := r.db.SelectContext(ctx, &items, query, tenantID, size, (page-1)*size); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "list documents", err)
	}

	return &models.Page[models.DocumentSummary]{
		Items: items, Page: page, Size: size, TotalItems: total,
	}, nil
}

// Update changes the filename and/or metadata of a document
func (r *DocumentRepository) Update(ctx context.Context, tenantID, id string, filename *string, metadata models.JSONMap) (*models.Document, error) {
	doc, err := r.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if filename != nil {
		doc.OriginalFilename = *filename
	}
	if metadata != nil {
		doc.Metadata = metadata
	}
	doc.UpdatedAt = time.Now().UTC()
	_, err = r.db.ExecContext(ctx, `
		UPDATE documents SET original_filename = $3, metadata = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, doc.OriginalFilename, doc.Metadata, doc.UpdatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "update document", err)
	}
	return doc, nil
}

// Delete removes a document row within the tenant
func (r *DocumentRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "delete document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("document not found")
	}
	return nil
}

// Stats aggregates document count and storage usage for the tenant
func (r *DocumentRepository) Stats(ctx context.Context, tenantID string) (*models.DocumentStats, error) {
	var stats models.DocumentStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS total_documents, COALESCE(SUM(size), 0) AS storage_bytes
		FROM documents WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "document stats", err)
	}
	return &stats, nil
}

// TransitionStatus moves a document along PENDING -> PROCESSING ->
// (COMPLETED|FAILED). The from-state guard makes the transition idempotent
// under duplicate acks.
func (r *DocumentRepository) TransitionStatus(ctx context.Context, tenantID, id string, from, to models.DocumentStatus, message string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents SET status = $4, status_message = $5, updated_at = $6
		WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		tenantID, id, from, to, message, time.Now().UTC())
	if err != nil {
		return false, apperrors.Wrap(apperrors.KindUnavailable, "transition document status", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DocumentRef identifies a document across tenants for maintenance sweeps
type DocumentRef struct {
	TenantID string `db:"tenant_id"`
	ID       string `db:"id"`
}

// ListStalled returns documents stuck in PROCESSING longer than maxAge.
// Used by the indexing watchdog to time out lost pipelines.
func (r *DocumentRepository) ListStalled(ctx context.Context, maxAge time.Duration, limit int) ([]DocumentRef, error) {
	if limit <= 0 {
		limit = 100
	}
	var refs []DocumentRef
	err := r.db.SelectContext(ctx, &refs, `
		SELECT tenant_id, id FROM documents
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`,
		models.DocumentProcessing, time.Now().UTC().Add(-maxAge), limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "list stalled documents", err)
	}
	return refs, nil
}

// SetChunkCount records the chunk count after segmentation
func (r *DocumentRepository) SetChunkCount(ctx context.Context, tx *sqlx.Tx, tenantID, id string, count int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE documents SET chunk_count = $3, updated_at = $4
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, count, time.Now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "set chunk count", err)
	}
	return nil
}
