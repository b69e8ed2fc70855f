package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/models"
)

// UserRepository manages user rows
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a user repository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, tenant_id, email, password_hash, role, status, last_login_at, created_at, updated_at`

// Create inserts a new user. Email uniqueness is global.
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		u.ID, u.TenantID, u.Email, u.PasswordHash, u.Role, u.Status, u.LastLoginAt, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperrors.Conflict("email already registered")
		}
		return apperrors.Wrap(apperrors.KindUnavailable, "insert user", err)
	}
	return nil
}

// GetByEmail fetches a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	if err != nil {
		return nil, notFoundOr(err, "user")
	}
	return &u, nil
}

// GetByID fetches a user by id
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, notFoundOr(err, "user")
	}
	return &u, nil
}

// UpdateStatus transitions a user's lifecycle state
func (r *UserRepository) UpdateStatus(ctx context.Context, id string, status models.UserStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "update user status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("user not found")
	}
	return nil
}

// UpdatePassword replaces the stored hash, used for cost upgrades on login
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`,
		id, passwordHash, time.Now().UTC())
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "update user password", err)
	}
	return nil
}

// TouchLogin records a successful login
func (r *UserRepository) TouchLogin(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "touch user login", err)
	}
	return nil
}
