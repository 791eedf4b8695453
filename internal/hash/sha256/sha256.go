// Package sha256 fingerprints stored thumbnails for the image manifest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hex-encodes SHA-256 digests.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
