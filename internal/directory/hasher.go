package directory

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"
)

// PasswordHasher produces a deterministic one-way hash of a secret. Equal
// inputs always yield equal hashes so history entries can be compared by
// hash equality.
type PasswordHasher interface {
	Hash(plaintext string) string
	Matches(plaintext, hash string) bool
}

const pbkdf2KeyLength = 32

// PBKDF2Hasher hashes with PBKDF2-HMAC-SHA256 salted by a service-wide pepper
type PBKDF2Hasher struct {
	pepper     []byte
	iterations int
}

// NewPBKDF2Hasher creates a hasher. iterations below 1 fall back to 10000.
func NewPBKDF2Hasher(pepper string, iterations int) *PBKDF2Hasher {
	if iterations < 1 {
		iterations = 10000
	}
	return &PBKDF2Hasher{pepper: []byte(pepper), iterations: iterations}
}

// Hash returns the base64 encoded derived key
func (h *PBKDF2Hasher) Hash(plaintext string) string {
	key := pbkdf2.Key([]byte(plaintext), h.pepper, h.iterations, pbkdf2KeyLength, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}

// Matches compares in constant time. An empty stored hash never matches.
func (h *PBKDF2Hasher) Matches(plaintext, hash string) bool {
	if hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h.Hash(plaintext)), []byte(hash)) == 1
}
