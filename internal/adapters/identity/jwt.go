// Package identity validates participant bearer tokens.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Telehealth/internal/core"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// Claims carries the participant role next to the registered claims. The
// subject is the participant id; jti is checked against the revocation list.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Revocations reports whether a token id was revoked before expiry.
type Revocations interface {
	Revoked(ctx context.Context, jti string) (bool, error)
}

type JWTValidator struct {
	secret  []byte
	issuer  string
	revoked Revocations
	now     func() time.Time
}

func NewJWTValidator(secret, issuer string, revoked Revocations) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer, revoked: revoked, now: time.Now}
}

// ValidateToken checks signature, issuer, expiry and role. Every rejection
// wraps domain.ErrUnauthorized.
func (v *JWTValidator) ValidateToken(ctx context.Context, token string, expected domain.Role) (core.Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return core.Principal{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return core.Principal{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	if claims.Role != expected {
		return core.Principal{}, fmt.Errorf("%w: token role %q, want %q", domain.ErrUnauthorized, claims.Role, expected)
	}
	sub := domain.ParticipantID(claims.Subject)
	if !domain.ValidParticipantID(sub) {
		return core.Principal{}, fmt.Errorf("%w: bad subject", domain.ErrUnauthorized)
	}

	if v.revoked != nil && claims.ID != "" {
		revoked, err := v.revoked.Revoked(ctx, claims.ID)
		if err != nil {
			// fail closed
			log.Error().Err(err).Str("module", "adapters.identity").Str("jti", claims.ID).Msg("revocation check failed")
			return core.Principal{}, fmt.Errorf("%w: revocation check: %v", domain.ErrUnauthorized, err)
		}
		if revoked {
			return core.Principal{}, fmt.Errorf("%w: token revoked", domain.ErrUnauthorized)
		}
	}

	return core.Principal{Subject: sub, Role: claims.Role, Expires: claims.ExpiresAt.Time}, nil
}

// Issue signs a token for sub. It backs the dev tooling and tests; real
// tokens come from the identity provider.
func (v *JWTValidator) Issue(sub domain.ParticipantID, role domain.Role, jti string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(sub),
			Issuer:    v.issuer,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// RedisRevocations looks up <prefix>:<jti> keys.
type RedisRevocations struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocations(client *redis.Client, prefix string) *RedisRevocations {
	return &RedisRevocations{client: client, prefix: prefix}
}

func (r *RedisRevocations) Revoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, fmt.Sprintf("%s:%s", r.prefix, jti)).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return n == 1, nil
}
