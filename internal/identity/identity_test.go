package identity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckadlab/orchestrator/internal/apperr"
)

const testSecret = "unit-test-secret"

func newTestVerifier(t *testing.T) (*Verifier, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(testSecret, client), mr
}

func signToken(t *testing.T, ownerID string, expiry time.Duration, secret string) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry))},
		OwnerID:          ownerID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestVerify_AcceptsValidNonRevokedCredential(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.GrantOwner(ctx, "owner-1", time.Hour))
	token := signToken(t, "owner-1", time.Hour, testSecret)

	ownerID, err := v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", ownerID)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.GrantOwner(ctx, "owner-1", time.Hour))
	token := signToken(t, "owner-1", -time.Minute, testSecret)

	_, err := v.Verify(ctx, token)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CredentialExpired, appErr.Kind)
}

func TestVerify_RejectsWrongSigningSecret(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.GrantOwner(ctx, "owner-1", time.Hour))
	token := signToken(t, "owner-1", time.Hour, "not-the-configured-secret")

	_, err := v.Verify(ctx, token)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CredentialInvalid, appErr.Kind)
}

func TestVerify_RejectsRevokedOwner(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.GrantOwner(ctx, "owner-1", time.Hour))
	token := signToken(t, "owner-1", time.Hour, testSecret)

	require.NoError(t, v.RevokeOwner(ctx, "owner-1"))

	_, err := v.Verify(ctx, token)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CredentialInvalid, appErr.Kind)
}

func TestVerify_RevocationIsAllByOwnerNotPerToken(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	require.NoError(t, v.GrantOwner(ctx, "owner-1", time.Hour))
	tokenA := signToken(t, "owner-1", time.Hour, testSecret)
	tokenB := signToken(t, "owner-1", 2*time.Hour, testSecret)

	_, err := v.Verify(ctx, tokenA)
	require.NoError(t, err)

	require.NoError(t, v.RevokeOwner(ctx, "owner-1"))

	_, errA := v.Verify(ctx, tokenA)
	_, errB := v.Verify(ctx, tokenB)
	assert.Error(t, errA, "revoking an owner must invalidate every token they hold")
	assert.Error(t, errB, "revoking an owner must invalidate every token they hold")
}

func TestVerify_NoRedisConfiguredFailsOpen(t *testing.T) {
	v := New(testSecret, nil)
	token := signToken(t, "owner-1", time.Hour, testSecret)

	ownerID, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", ownerID)
}
