// Package database provides tenant-scoped relational access on sqlx.
// Every query is parameterized and carries the tenant id in its WHERE
// clause; entities outside the caller's tenant surface as NotFound.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/config"
)

// NewDB connects to PostgreSQL and applies pool settings
func NewDB(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// WithTx runs fn in a transaction, rolling back on error or panic
func WithTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "commit transaction", err)
	}
	return nil
}

// notFoundOr maps sql.ErrNoRows to a tenant-safe NotFound
func notFoundOr(err error, entity string) error {
	if err == sql.ErrNoRows {
		return apperrors.NotFound(entity + " not found")
	}
	return apperrors.Wrap(apperrors.KindUnavailable, "query "+entity, err)
}
