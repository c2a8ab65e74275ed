// Package sha256 computes the content digests stored with each capture.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix labels digests so the algorithm is recorded alongside the value.
const Prefix = "sha256:"

// Hasher implements watch.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the labeled hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
