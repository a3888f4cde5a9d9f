// Package sha256 derives content keys from normalized URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// DefaultLength is the number of hex characters kept in a content key.
const DefaultLength = 5

// Hasher implements tracker.Hasher using SHA-256 truncated to a fixed length.
type Hasher struct {
	length int
}

// New returns a hasher that keeps the first length hex characters.
// A length outside 1..64 keeps the full digest.
func New(length int) *Hasher {
	if length <= 0 || length > sha256.Size*2 {
		length = sha256.Size * 2
	}
	return &Hasher{length: length}
}

// Length returns the digest length in hex characters.
func (h *Hasher) Length() int {
	return h.length
}

// Hash hashes the input and returns the truncated hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}
