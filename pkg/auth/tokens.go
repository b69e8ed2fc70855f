package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/models"
)

// TokenType distinguishes short-lived access from longer-lived refresh tokens
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims are the signed contents of a bearer token
type Claims struct {
	jwt.RegisteredClaims
	UserID   string          `json:"user_id"`
	TenantID string          `json:"tenant_id"`
	Role     models.UserRole `json:"role"`
	Type     TokenType       `json:"type"`
	// FamilyID ties a refresh token chain together so a replayed refresh
	// token can revoke every descendant.
	FamilyID string `json:"family_id,omitempty"`
}

// TokenPair is an issued access/refresh pair
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenService signs, validates, rotates, and revokes bearer tokens.
// Revocation state lives in the shared KV store with TTLs equal to the
// remaining token lifetime.
type TokenService struct {
	keys            []config.SigningKey
	accessTTL       time.Duration
	refreshTTL      time.Duration
	revocationStore *cache.RedisKV
}

// NewTokenService creates a token service. The first signing key signs new
// tokens; the remainder verify tokens issued before rotation.
func NewTokenService(cfg config.AuthConfig, revocationStore *cache.RedisKV) (*TokenService, error) {
	if len(cfg.SigningKeys) == 0 {
		return nil, errors.New("auth: at least one signing key is required")
	}
	return &TokenService{
		keys:            cfg.SigningKeys,
		accessTTL:       cfg.AccessTokenTTL,
		refreshTTL:      cfg.RefreshTokenTTL,
		revocationStore: revocationStore,
	}, nil
}

func revokedKey(jti string) string      { return "auth:revoked:" + jti }
func revokedFamilyKey(id string) string { return "auth:revoked_family:" + id }
func refreshUsedKey(jti string) string  { return "auth:refresh_used:" + jti }

// IssuePair signs a fresh access/refresh pair for the user. A new refresh
// family is started unless familyID is given.
func (s *TokenService) IssuePair(user *models.User, familyID string) (*TokenPair, error) {
	if familyID == "" {
		familyID = uuid.NewString()
	}

	access, err := s.sign(user, TokenAccess, s.accessTTL, familyID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(user, TokenRefresh, s.refreshTTL, familyID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *TokenService) sign(user *models.User, tokenType TokenType, ttl time.Duration, familyID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:   user.ID,
		TenantID: user.TenantID,
		Role:     user.Role,
		Type:     tokenType,
		FamilyID: familyID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	active := s.keys[0]
	token.Header["kid"] = active.KeyID

	signed, err := token.SignedString([]byte(active.Secret))
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, "sign token", err)
	}
	return signed, nil
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	for _, key := range s.keys {
		if key.KeyID == kid {
			return []byte(key.Secret), nil
		}
	}
	return nil, fmt.Errorf("unknown key id %q", kid)
}

// Validate checks signature, expiry, and revocation, and returns the claims
func (s *TokenService) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, s.keyFunc)
	if err != nil || !token.Valid {
		return nil, apperrors.Unauthenticated("invalid or expired token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, apperrors.Unauthenticated("invalid token claims")
	}

	revoked, err := s.isRevoked(ctx, claims)
	if err != nil {
		// Fail closed: if the revocation store cannot be consulted the
		// token is not accepted.
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "revocation check failed", err)
	}
	if revoked {
		return nil, apperrors.Unauthenticated("token revoked")
	}
	return claims, nil
}

func (s *TokenService) isRevoked(ctx context.Context, claims *Claims) (bool, error) {
	if ok, err := s.revocationStore.Exists(ctx, revokedKey(claims.ID)); err != nil || ok {
		return ok, err
	}
	if claims.FamilyID != "" {
		return s.revocationStore.Exists(ctx, revokedFamilyKey(claims.FamilyID))
	}
	return false, nil
}

// Revoke adds the token to the revocation set for its remaining lifetime
func (s *TokenService) Revoke(ctx context.Context, claims *Claims) error {
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return s.revocationStore.Set(ctx, revokedKey(claims.ID), true, ttl)
}

// RevokeFamily revokes every token in a refresh family. Used when a
// refresh token replay suggests theft.
func (s *TokenService) RevokeFamily(ctx context.Context, familyID string) error {
	return s.revocationStore.Set(ctx, revokedFamilyKey(familyID), true, s.refreshTTL)
}

// Rotate validates a refresh token, revokes it, and issues a new pair in
// the same family. Replaying an already-rotated refresh token revokes the
// entire family and fails.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string, user *models.User) (*TokenPair, error) {
	claims, err := s.Validate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenRefresh {
		return nil, apperrors.Unauthenticated("not a refresh token")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil, apperrors.Unauthenticated("refresh token expired")
	}

	// First use wins; a second presentation of the same jti is a replay
	// and burns the whole family. The used marker, not individual
	// revocation, is what retires a rotated refresh token, so the replay
	// is still observable here.
	fresh, err := s.revocationStore.SetNX(ctx, refreshUsedKey(claims.ID), true, ttl)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "refresh rotation check failed", err)
	}
	if !fresh {
		if revErr := s.RevokeFamily(ctx, claims.FamilyID); revErr != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable, "family revocation failed", revErr)
		}
		return nil, apperrors.Unauthenticated("refresh token replayed")
	}

	return s.IssuePair(user, claims.FamilyID)
}
