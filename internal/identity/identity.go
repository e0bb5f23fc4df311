// Package identity verifies already-issued credentials. Minting and
// refreshing credentials happens elsewhere; this package only validates
// a bearer JWT (HMAC algorithms only, rejecting "none" and algorithm
// substitution) and checks that the owner's credential record is still
// present and unrevoked in Redis. A valid signature alone is not
// sufficient.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ckadlab/orchestrator/internal/apperr"
)

// Claims carries the identity fields this system cares about. Anything
// else in the token is ignored.
type Claims struct {
	jwt.RegisteredClaims
	OwnerID string `json:"owner_id"`
}

// Verifier validates bearer tokens and checks owner revocation state.
type Verifier struct {
	secret []byte
	redis  *redis.Client
}

func New(secret string, redisClient *redis.Client) *Verifier {
	return &Verifier{secret: []byte(secret), redis: redisClient}
}

// Verify parses and validates tokenString, then confirms the owner's
// refresh-credential record is still present (non-revoked) in Redis.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (ownerID string, err error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.New(apperr.CredentialExpired, "credential expired")
		}
		return "", apperr.Wrap(apperr.CredentialInvalid, "credential invalid", err)
	}
	if !parsed.Valid || claims.OwnerID == "" {
		return "", apperr.New(apperr.CredentialInvalid, "credential invalid")
	}

	revoked, err := v.isRevoked(ctx, claims.OwnerID)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "check credential revocation", err)
	}
	if revoked {
		return "", apperr.New(apperr.CredentialInvalid, "credential revoked")
	}

	return claims.OwnerID, nil
}

func (v *Verifier) isRevoked(ctx context.Context, ownerID string) (bool, error) {
	if v.redis == nil {
		return false, nil
	}
	_, err := v.redis.Get(ctx, sessionKey(ownerID)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// RevokeOwner invalidates every refresh credential for an owner.
// Revocation is all-by-owner; there is no per-token revocation list.
func (v *Verifier) RevokeOwner(ctx context.Context, ownerID string) error {
	if v.redis == nil {
		return nil
	}
	if err := v.redis.Del(ctx, sessionKey(ownerID)).Err(); err != nil {
		return apperr.Wrap(apperr.Internal, "revoke owner credential", err)
	}
	return nil
}

// GrantOwner records a live, non-revoked refresh credential for ownerID
// with the given time-to-live. Issuing the underlying JWT itself is out
// of scope; this only marks the owner's record present.
func (v *Verifier) GrantOwner(ctx context.Context, ownerID string, ttl time.Duration) error {
	if v.redis == nil {
		return nil
	}
	if err := v.redis.Set(ctx, sessionKey(ownerID), "1", ttl).Err(); err != nil {
		return apperr.Wrap(apperr.Internal, "grant owner credential", err)
	}
	return nil
}

func sessionKey(ownerID string) string {
	return "ckad:identity:owner:" + ownerID
}
