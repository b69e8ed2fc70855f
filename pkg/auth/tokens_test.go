package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
	"github.com/contextmesh/contextmesh/pkg/cache"
	"github.com/contextmesh/contextmesh/pkg/config"
	"github.com/contextmesh/contextmesh/pkg/models"
)

func newTestTokenService(t *testing.T) (*TokenService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc, err := NewTokenService(config.AuthConfig{
		SigningKeys:     []config.SigningKey{{KeyID: "k1", Secret: "test-secret-0123456789"}},
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, cache.NewRedisKVFromClient(client))
	require.NoError(t, err)
	return svc, mr
}

func testUser() *models.User {
	return &models.User{
		ID:       "11111111-1111-1111-1111-111111111111",
		TenantID: "22222222-2222-2222-2222-222222222222",
		Email:    "user@example.com",
		Role:     models.RoleUser,
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(testUser(), "")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	claims, err := svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, testUser().ID, claims.UserID)
	assert.Equal(t, testUser().TenantID, claims.TenantID)
	assert.Equal(t, models.RoleUser, claims.Role)
	assert.Equal(t, TokenAccess, claims.Type)
	assert.NotEmpty(t, claims.FamilyID)
}

func TestValidateGarbage(t *testing.T) {
	svc, _ := newTestTokenService(t)
	_, err := svc.Validate(context.Background(), "not-a-token")
	assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
}

func TestValidateWrongKey(t *testing.T) {
	svc, mr := newTestTokenService(t)
	_ = mr

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	otherSvc, err := NewTokenService(config.AuthConfig{
		SigningKeys:     []config.SigningKey{{KeyID: "k1", Secret: "different-secret-entirely"}},
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}, cache.NewRedisKVFromClient(other))
	require.NoError(t, err)

	pair, err := otherSvc.IssuePair(testUser(), "")
	require.NoError(t, err)

	_, err = svc.Validate(context.Background(), pair.AccessToken)
	assert.Equal(t, apperrors.KindUnauthenticated, apperrors.KindOf(err))
}

func TestRevoke(t *testing.T) {
	svc, _ := newTestTokenService(t)
	ctx := context.Background()

	pair, err := svc.IssuePair(testUser(), "")
	require.NoError(t, err)

	claims, err := svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, claims))

	_, err = svc.Validate(ctx, pair.AccessToken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token revoked")
}

func TestRotate(t *testing.T) {
	svc, _ := newTestTokenService(t)
	ctx := context.Background()
	user := testUser()

	pair, err := svc.IssuePair(user, "")
	require.NoError(t, err)

	next, err := svc.Rotate(ctx, pair.RefreshToken, user)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// The family survives rotation
	first, err := svc.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	second, err := svc.Validate(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, first.FamilyID, second.FamilyID)
}

func TestRotateReplayRevokesFamily(t *testing.T) {
	svc, _ := newTestTokenService(t)
	ctx := context.Background()
	user := testUser()

	pair, err := svc.IssuePair(user, "")
	require.NoError(t, err)

	next, err := svc.Rotate(ctx, pair.RefreshToken, user)
	require.NoError(t, err)

	// Replaying the original refresh token marks the whole family stolen
	_, err = svc.Rotate(ctx, pair.RefreshToken, user)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh token replayed")

	// Every descendant of the family is now dead
	_, err = svc.Validate(ctx, next.RefreshToken)
	assert.Error(t, err)
	_, err = svc.Validate(ctx, next.AccessToken)
	assert.Error(t, err)
}

func TestRotateRejectsAccessToken(t *testing.T) {
	svc, _ := newTestTokenService(t)
	user := testUser()

	pair, err := svc.IssuePair(user, "")
	require.NoError(t, err)

	_, err = svc.Rotate(context.Background(), pair.AccessToken, user)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a refresh token")
}

func TestValidateFailsClosedWhenStoreDown(t *testing.T) {
	svc, mr := newTestTokenService(t)

	pair, err := svc.IssuePair(testUser(), "")
	require.NoError(t, err)

	mr.Close()

	_, err = svc.Validate(context.Background(), pair.AccessToken)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
}
