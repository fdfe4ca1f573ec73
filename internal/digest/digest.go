// Package digest fingerprints transaction payloads. Every ledger row stores
// digests instead of full diff/document text, so records stay verifiable
// without retaining the payload forever.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the hex-encoded SHA-256 digest of text. The empty string has a
// stable, well-defined digest; callers may pass it freely for absent payloads.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// HashBytes is Hash for raw byte payloads.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two payloads have the same digest. Comparing digests
// rather than payloads keeps idempotence checks cheap for large documents.
func Equal(a, b string) bool {
	return Hash(a) == Hash(b)
}
