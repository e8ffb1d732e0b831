// Package sha256 provides SHA-256 digests for cache keys and snapshots.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher digests snapshot payloads.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Digest(data), nil
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
