package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// apiKeyPrefix makes raw keys recognizable in logs and secret scanners.
const apiKeyPrefix = "ck_"

// GenerateAPIKey returns a new raw API key and its SHA-256 hash.
// Only the hash is ever stored; the raw key is shown to the caller once.
func GenerateAPIKey() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", apperr.Internal("generate api key").WithCause(err)
	}
	raw = apiKeyPrefix + hex.EncodeToString(buf)
	return raw, HashAPIKey(raw), nil
}

// HashAPIKey returns the hex-encoded SHA-256 of a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey compares a raw key against a stored hash in constant time.
func VerifyAPIKey(raw, storedHash string) bool {
	return TimingSafeEqual([]byte(HashAPIKey(raw)), []byte(storedHash))
}
