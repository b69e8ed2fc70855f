package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// PgVectorStore implements Store on PostgreSQL with the pgvector extension.
// Rows live in vector_records partitioned logically by namespace.
type PgVectorStore struct {
	db *sqlx.DB
}

// NewPgVectorStore verifies the pgvector extension and returns the store
func NewPgVectorStore(db *sqlx.DB) (*PgVectorStore, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !exists {
		return nil, errors.New("pgvector extension is not installed in the database")
	}
	return &PgVectorStore{db: db}, nil
}

// vectorLiteral renders an embedding as a pgvector input literal
func vectorLiteral(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s *PgVectorStore) Upsert(ctx context.Context, tenantID string, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal vector metadata", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_records
			(namespace, chunk_id, document_id, embedding, model_name, dimension, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $8)
		ON CONFLICT (namespace, chunk_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			model_name = EXCLUDED.model_name,
			dimension = EXCLUDED.dimension,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		Namespace(tenantID), record.ChunkID, record.DocumentID,
		vectorLiteral(record.Embedding), record.ModelName, record.Dimension, metadata, now)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector upsert failed", err)
	}
	return nil
}

func (s *PgVectorStore) Delete(ctx context.Context, tenantID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vector_records WHERE namespace = $1 AND chunk_id = ANY($2)`,
		Namespace(tenantID), pq.Array(chunkIDs))
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector delete failed", err)
	}
	return nil
}

func (s *PgVectorStore) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM vector_records WHERE namespace = $1 AND document_id = $2`,
		Namespace(tenantID), documentID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector delete by document failed", err)
	}
	return nil
}

func (s *PgVectorStore) Search(ctx context.Context, tenantID string, embedding []float32, topK int, filters *SearchFilters) ([]SearchResult, error) {
	if len(embedding) == 0 {
		return nil, apperrors.InvalidArgument("query embedding is empty")
	}
	if topK <= 0 {
		topK = 10
	}

	query := `
		SELECT chunk_id, document_id, metadata,
		       1 - (embedding <=> $2::vector) AS score
		FROM vector_records
		WHERE namespace = $1`
	args := []interface{}{Namespace(tenantID), vectorLiteral(embedding)}

	if filters != nil && len(filters.DocumentIDs) > 0 {
		args = append(args, pq.Array(filters.DocumentIDs))
		query += fmt.Sprintf(" AND document_id = ANY($%d)", len(args))
	}
	if filters != nil {
		for k, v := range filters.Metadata {
			args = append(args, k, v)
			query += fmt.Sprintf(" AND metadata->>$%d = $%d", len(args)-1, len(args))
		}
	}

	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY embedding <=> $2::vector LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "vector search failed", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			r        SearchResult
			metadata sql.NullString
		)
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &metadata, &r.Score); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "scan vector search row", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				return nil, apperrors.Wrap(apperrors.KindInternal, "unmarshal vector metadata", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "vector search rows", err)
	}
	return results, nil
}

func (s *PgVectorStore) Count(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vector_records WHERE namespace = $1`, Namespace(tenantID)).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindUnavailable, "vector count failed", err)
	}
	return count, nil
}
