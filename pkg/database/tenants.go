package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/models"
)

// TenantRepository manages tenant rows
type TenantRepository struct {
	db *sqlx.DB
}

// NewTenantRepository creates a tenant repository
func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

type tenantRow struct {
	ID              string    `db:"id"`
	Slug            string    `db:"slug"`
	Status          string    `db:"status"`
	MaxDocuments    int64     `db:"max_documents"`
	MaxStorageBytes int64     `db:"max_storage_bytes"`
	ChunkSize       int       `db:"chunk_size"`
	ChunkOverlap    int       `db:"chunk_overlap"`
	ChunkStrategy   string    `db:"chunk_strategy"`
	EmbeddingModel  string    `db:"embedding_model"`
	LLMModel        string    `db:"llm_model"`
	LLMFallback     string    `db:"llm_fallback"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r tenantRow) toModel() *models.Tenant {
	return &models.Tenant{
		ID:     r.ID,
		Slug:   r.Slug,
		Status: models.TenantStatus(r.Status),
		Quotas: models.TenantQuotas{
			MaxDocuments:    r.MaxDocuments,
			MaxStorageBytes: r.MaxStorageBytes,
		},
		ChunkingPolicy: models.ChunkingPolicy{
			Size:     r.ChunkSize,
			Overlap:  r.ChunkOverlap,
			Strategy: models.ChunkingStrategy(r.ChunkStrategy),
		},
		EmbeddingModel: r.EmbeddingModel,
		LLMModel:       r.LLMModel,
		LLMFallback:    r.LLMFallback,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

const tenantColumns = `id, slug, status, max_documents, max_storage_bytes,
	chunk_size, chunk_overlap, chunk_strategy, embedding_model, llm_model, llm_fallback,
	created_at, updated_at`

// Create inserts a new tenant
func (r *TenantRepository) Create(ctx context.Context, t *models.Tenant) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		t.ID, t.Slug, t.Status, t.Quotas.MaxDocuments, t.Quotas.MaxStorageBytes,
		t.ChunkingPolicy.Size, t.ChunkingPolicy.Overlap, t.ChunkingPolicy.Strategy,
		t.EmbeddingModel, t.LLMModel, t.LLMFallback, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperrors.Conflict("tenant slug already exists")
		}
		return apperrors.Wrap(apperrors.KindUnavailable, "insert tenant", err)
	}
	return nil
}

// GetByID fetches a tenant by id
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*models.Tenant, error) {
	var row tenantRow
	err := r.db.GetContext(ctx, &row, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "tenant")
	}
	return row.toModel(), nil
}

// GetBySlug fetches a tenant by its unique slug
func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	var row tenantRow
	err := r.db.GetContext(ctx, &row, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	if err != nil {
		return nil, notFoundOr(err, "tenant")
	}
	return row.toModel(), nil
}

// Delete removes a tenant. Deleting a tenant that still owns documents is
// rejected.
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	var docs int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = $1`, id).Scan(&docs); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "count tenant documents", err)
	}
	if docs > 0 {
		return apperrors.FailedPrecondition("tenant still owns documents")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "delete tenant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("tenant not found")
	}
	return nil
}
