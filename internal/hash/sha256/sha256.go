// Package sha256 provides the content digest used for duplicate detection.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data (64 characters).
func (h *Hasher) Hash(data []byte) (string, error) {
	return HashString(string(data)), nil
}

// HashString digests normalized page text.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
