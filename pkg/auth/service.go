package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/database"
	"github.com/contextmesh/contextmesh/pkg/models"
	"github.com/contextmesh/contextmesh/pkg/observability"
)

// Service implements user registration, login, and the token lifecycle
type Service struct {
	users       *database.UserRepository
	tenants     *database.TenantRepository
	tokens      *TokenService
	hasher      *PasswordHasher
	minPassword int
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// LoginResult is the response to a successful login or refresh
type LoginResult struct {
	TokenPair
	User *models.User `json:"user"`
}

// NewService wires the auth service
func NewService(cfg config.AuthConfig, users *database.UserRepository, tenants *database.TenantRepository,
	tokens *TokenService, logger observability.Logger, metrics observability.MetricsClient) *Service {
	return &Service{
		users:       users,
		tenants:     tenants,
		tokens:      tokens,
		hasher:      NewPasswordHasher(cfg.BcryptCost),
		minPassword: cfg.MinPasswordLength,
		logger:      logger,
		metrics:     metrics,
	}
}

// Register creates a PENDING user in the given tenant
func (s *Service) Register(ctx context.Context, email, password, tenantID string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperrors.InvalidArgument("invalid email address")
	}
	if len(password) < s.minPassword {
		return nil, apperrors.Newf(apperrors.KindInvalidArgument,
			"password must be at least %d characters", s.minPassword)
	}

	tenant, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Status != models.TenantActive {
		return nil, apperrors.FailedPrecondition("tenant is not active")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: hash,
		Role:         models.RoleUser,
		Status:       models.UserPending,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("User registered", map[string]interface{}{
		"user_id": user.ID, "tenant_id": tenantID,
	})
	return user, nil
}

// Login verifies credentials and issues a token pair. Unknown email and
// wrong password return the identical error to prevent enumeration.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			s.metrics.IncrementCounter("auth_login_failures", 1)
			return nil, apperrors.Unauthenticated("invalid credentials")
		}
		return nil, err
	}
	if !s.hasher.Compare(user.PasswordHash, password) {
		s.metrics.IncrementCounter("auth_login_failures", 1)
		return nil, apperrors.Unauthenticated("invalid credentials")
	}
	if user.Status != models.UserActive {
		return nil, apperrors.FailedPrecondition("account is not active")
	}

	// Transparent hash upgrade when the configured cost has been raised
	if s.hasher.NeedsUpgrade(user.PasswordHash) {
		if newHash, hashErr := s.hasher.Hash(password); hashErr == nil {
			if updErr := s.users.UpdatePassword(ctx, user.ID, newHash); updErr != nil {
				s.logger.Warn("Password hash upgrade failed", map[string]interface{}{
					"user_id": user.ID, "error": updErr.Error(),
				})
			}
		}
	}

	pair, err := s.tokens.IssuePair(user, "")
	if err != nil {
		return nil, err
	}
	if err := s.users.TouchLogin(ctx, user.ID); err != nil {
		s.logger.Warn("Failed to record login time", map[string]interface{}{
			"user_id": user.ID, "error": err.Error(),
		})
	}

	s.logger.Info("User logged in", map[string]interface{}{
		"user_id": user.ID, "tenant_id": user.TenantID,
	})
	s.metrics.IncrementCounter("auth_logins", 1)
	return &LoginResult{TokenPair: *pair, User: user}, nil
}

// Refresh rotates a refresh token into a new pair
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.tokens.Validate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil, apperrors.Unauthenticated("invalid credentials")
		}
		return nil, err
	}
	if user.Status != models.UserActive {
		return nil, apperrors.FailedPrecondition("account is not active")
	}

	pair, err := s.tokens.Rotate(ctx, refreshToken, user)
	if err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: *pair, User: user}, nil
}

// Validate checks a token and confirms the user is still active
func (s *Service) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.tokens.Validate(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindNotFound) {
			return nil, apperrors.Unauthenticated("invalid token")
		}
		return nil, err
	}
	if user.Status != models.UserActive {
		return nil, apperrors.Unauthenticated("account is not active")
	}
	return claims, nil
}

// Revoke invalidates the presented token for its remaining lifetime
func (s *Service) Revoke(ctx context.Context, tokenString string) error {
	claims, err := s.tokens.Validate(ctx, tokenString)
	if err != nil {
		return err
	}
	return s.tokens.Revoke(ctx, claims)
}
