// Package checksum derives stable identifiers from locations.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Identifier returns a short, stable id for a container location, used when a
// scope is not given an explicit identifier.
func Identifier(location string) string {
	return Sum([]byte(location))[:12]
}
