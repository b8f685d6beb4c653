// Package sha256 implements the crawler.Hasher contract.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes byte slices with SHA-256.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
