package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

// defaultBcryptCost is the work factor for new password hashes. 12 keeps a
// single verify in the tens of milliseconds on current hardware.
const defaultBcryptCost = 12

// minBcryptCost is the floor for configurable costs.
const minBcryptCost = 10

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	return HashPasswordCost(password, defaultBcryptCost)
}

// HashPasswordCost hashes a password at an explicit cost. Costs below the
// floor are rejected rather than silently raised.
func HashPasswordCost(password string, cost int) (string, error) {
	if password == "" {
		return "", apperr.InvalidInput("password is required")
	}
	if cost < minBcryptCost {
		return "", apperr.InvalidInput("bcrypt cost %d below minimum %d", cost, minBcryptCost)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", apperr.Internal("hash password").WithCause(err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
