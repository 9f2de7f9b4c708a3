// Package auth provides the token, hashing, and encryption primitives that
// back every security-relevant operation in conclave: JWT issuance and
// verification, API-key and password hashing, symmetric encryption for
// exports, and HMAC for audit chaining.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// TokenType distinguishes the three token families conclave issues.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
	TokenAPIKey  TokenType = "api_key"
)

// minSecretLen is the smallest accepted HMAC secret. Shorter secrets make
// brute-forcing the signature feasible, so the constructor rejects them.
const minSecretLen = 32

// Claims are the JWT claims carried by every conclave token.
type Claims struct {
	jwt.RegisteredClaims
	Type   TokenType `json:"type"`
	Scopes []string  `json:"scopes,omitempty"`
}

// TokenManagerConfig configures a TokenManager.
type TokenManagerConfig struct {
	// Secret is the HMAC signing key. Must be at least 32 bytes.
	Secret []byte
	// Algorithm is one of HS256, HS384, HS512. Default HS256.
	Algorithm string
	// Issuer is stamped into the iss claim.
	Issuer string
	// AccessTTL / RefreshTTL are the default lifetimes per token type.
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenManager signs and verifies conclave JWTs. Revocation is an in-memory
// jti denylist; the process owns token lifetime, matching the in-memory
// state model of the rest of the runtime.
type TokenManager struct {
	secret []byte
	method jwt.SigningMethod
	issuer string

	accessTTL  time.Duration
	refreshTTL time.Duration

	mu      sync.RWMutex
	revoked map[string]time.Time // jti → expiry, pruned opportunistically
}

// NewTokenManager validates the config and builds a TokenManager.
func NewTokenManager(cfg TokenManagerConfig) (*TokenManager, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, apperr.InvalidInput("token secret must be at least %d bytes, got %d", minSecretLen, len(cfg.Secret))
	}

	var method jwt.SigningMethod
	switch cfg.Algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, apperr.InvalidInput("unsupported signing algorithm %q", cfg.Algorithm)
	}

	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}

	return &TokenManager{
		secret:     cfg.Secret,
		method:     method,
		issuer:     cfg.Issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		revoked:    make(map[string]time.Time),
	}, nil
}

// Sign creates a signed token for subject with the given type and scopes.
// TTL defaults by token type when zero.
func (tm *TokenManager) Sign(subject string, typ TokenType, scopes []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", apperr.InvalidInput("token subject is required")
	}
	if ttl <= 0 {
		switch typ {
		case TokenRefresh:
			ttl = tm.refreshTTL
		default:
			ttl = tm.accessTTL
		}
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:   typ,
		Scopes: scopes,
	}

	signed, err := jwt.NewWithClaims(tm.method, claims).SignedString(tm.secret)
	if err != nil {
		return "", apperr.Internal("sign token").WithCause(err)
	}
	return signed, nil
}

// Verify parses and validates a token string. Failure kinds:
// InvalidInput for malformed tokens, Unauthorized for bad signatures,
// expired tokens, and revoked jtis.
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != tm.method.Alg() {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return tm.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, apperr.InvalidInput("malformed token").WithCause(err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, apperr.Unauthorized("token expired").WithCause(err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, apperr.Unauthorized("invalid token signature").WithCause(err)
		default:
			return nil, apperr.Unauthorized("invalid token").WithCause(err)
		}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.Unauthorized("invalid token")
	}

	if tm.isRevoked(claims.ID) {
		return nil, apperr.Unauthorized("token revoked")
	}
	return claims, nil
}

// Revoke denylists a jti until the given expiry. Verification of a token
// carrying that jti fails with Unauthorized from this point on.
func (tm *TokenManager) Revoke(jti string, expiresAt time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	// Prune entries whose tokens have expired anyway.
	now := time.Now()
	for id, exp := range tm.revoked {
		if exp.Before(now) {
			delete(tm.revoked, id)
		}
	}
	tm.revoked[jti] = expiresAt
}

func (tm *TokenManager) isRevoked(jti string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	exp, ok := tm.revoked[jti]
	return ok && exp.After(time.Now())
}
