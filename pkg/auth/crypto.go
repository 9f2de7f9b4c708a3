package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"

	"github.com/conclave-ai/conclave/pkg/apperr"
)

const (
	// PBKDF2 parameters for password-derived keys.
	defaultKDFIterations = 100_000
	saltLen              = 16
	keyLen               = 32 // AES-256

	// AES-GCM parameters.
	ivLen  = 12
	tagLen = 16
)

// Envelope is the result of password-based encryption. All byte fields are
// hex-encoded so envelopes survive JSON round-trips unchanged.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	Salt       string `json:"salt"`
	Algorithm  string `json:"algorithm"`
	Iterations int    `json:"iterations"`
}

const algorithmAESGCM = "aes-256-gcm"

// EncryptWithPassword encrypts data under a key derived from password via
// PBKDF2-SHA256. Each call uses a fresh salt and IV.
func EncryptWithPassword(data []byte, password string) (*Envelope, error) {
	if password == "" {
		return nil, apperr.InvalidInput("encryption password is required")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperr.Internal("generate salt").WithCause(err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, apperr.Internal("generate iv").WithCause(err)
	}

	key := pbkdf2.Key([]byte(password), salt, defaultKDFIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Internal("init cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Internal("init gcm").WithCause(err)
	}

	// Seal appends the 16-byte tag to the ciphertext; split it out so the
	// envelope carries the tag explicitly.
	sealed := gcm.Seal(nil, iv, data, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	return &Envelope{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(tag),
		Salt:       hex.EncodeToString(salt),
		Algorithm:  algorithmAESGCM,
		Iterations: defaultKDFIterations,
	}, nil
}

// DecryptWithPassword reverses EncryptWithPassword. Any tampering with the
// ciphertext, IV, or tag fails with IntegrityFailure.
func DecryptWithPassword(env *Envelope, password string) ([]byte, error) {
	if env == nil {
		return nil, apperr.InvalidInput("envelope is required")
	}
	if env.Algorithm != algorithmAESGCM {
		return nil, apperr.InvalidInput("unsupported algorithm %q", env.Algorithm)
	}

	salt, err := hex.DecodeString(env.Salt)
	if err != nil || len(salt) != saltLen {
		return nil, apperr.InvalidInput("malformed salt")
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != ivLen {
		return nil, apperr.InvalidInput("malformed iv")
	}
	ct, err := hex.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, apperr.InvalidInput("malformed ciphertext")
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagLen {
		return nil, apperr.InvalidInput("malformed auth tag")
	}

	iterations := env.Iterations
	if iterations <= 0 {
		iterations = defaultKDFIterations
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.Internal("init cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Internal("init gcm").WithCause(err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, apperr.IntegrityFailure("decryption failed: authentication tag mismatch")
	}
	return plaintext, nil
}

// HMACSHA256 returns the hex-encoded HMAC-SHA256 of data under key.
func HMACSHA256(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Hash returns the hex-encoded SHA-256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TimingSafeEqual compares two byte slices in constant time.
func TimingSafeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
