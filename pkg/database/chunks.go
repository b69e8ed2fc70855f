package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/models"
)

// ChunkRepository manages chunk rows. Chunks are written in one
// transaction per document so sequence numbers stay dense.
type ChunkRepository struct {
	db *sqlx.DB
}

// NewChunkRepository creates a chunk repository
func NewChunkRepository(db *sqlx.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, document_id, tenant_id, sequence_number, content,
	start_offset, end_offset, token_count, vector_id, created_at`

// InsertBatch writes all chunks of a document inside the given transaction
func (r *ChunkRepository) InsertBatch(ctx context.Context, tx *sqlx.Tx, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "prepare chunk insert", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range chunks {
		c := &chunks[i]
		c.CreatedAt = now
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.TenantID, c.SequenceNumber,
			c.Content, c.StartOffset, c.EndOffset, c.TokenCount, c.VectorID, c.CreatedAt); err != nil {
			return apperrors.Wrap(apperrors.KindUnavailable, "insert chunk", err)
		}
	}
	return nil
}

// GetByID fetches one chunk within the tenant
func (r *ChunkRepository) GetByID(ctx context.Context, tenantID, id string) (*models.Chunk, error) {
	var c models.Chunk
	err := r.db.GetContext(ctx, &c,
		`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, notFoundOr(err, "chunk")
	}
	return &c, nil
}

// ListByDocument returns a document's chunks in sequence order
func (r *ChunkRepository) ListByDocument(ctx context.Context, tenantID, documentID string) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := r.db.SelectContext(ctx, &chunks, `
		SELECT `+chunkColumns+` FROM chunks
		WHERE tenant_id = $1 AND document_id = $2
		ORDER BY sequence_number`, tenantID, documentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "list chunks", err)
	}
	return chunks, nil
}

// GetByIDs fetches chunks by id set within the tenant
func (r *ChunkRepository) GetByIDs(ctx context.Context, tenantID string, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT `+chunkColumns+` FROM chunks
		WHERE tenant_id = ? AND id IN (?)
		ORDER BY document_id, sequence_number`, tenantID, ids)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "build chunk query", err)
	}
	query = r.db.Rebind(query)

	var chunks []models.Chunk
	if err := r.db.SelectContext(ctx, &chunks, query, args...); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "fetch chunks", err)
	}
	return chunks, nil
}

// SetVectorID records the vector id once a chunk is embedded
func (r *ChunkRepository) SetVectorID(ctx context.Context, tenantID, chunkID, vectorID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE chunks SET vector_id = $3
		WHERE tenant_id = $1 AND id = $2`, tenantID, chunkID, vectorID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "set chunk vector id", err)
	}
	return nil
}

// DeleteByDocument removes all chunks of a document
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "delete chunks", err)
	}
	return nil
}

// CountByDocument returns how many chunks a document currently has
func (r *ChunkRepository) CountByDocument(ctx context.Context, tenantID, documentID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, documentID).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnavailable, "count chunks", err)
	}
	return count, nil
}
