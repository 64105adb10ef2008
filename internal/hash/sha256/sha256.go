// Package sha256 provides content hashing for snapshot identity.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestLen is the number of hex characters kept from the full SHA-256
// digest. Truncation keeps snapshot metadata compact while remaining
// collision-safe at the scale of a run's snapshot set.
const DigestLen = 16

// Hasher implements pipeline.Hasher using truncated SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the first DigestLen hex characters of the SHA-256 digest.
// The digest is a pure function of the raw bytes.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:DigestLen], nil
}
