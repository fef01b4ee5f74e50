package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Content returns the deterministic digest used as a note's content hash.
// Equal payloads always produce equal hashes, so two devices can compare
// note content without decrypting anything.
func Content(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Equal compares a payload against a previously computed content hash.
func Equal(payload []byte, contentHash string) bool {
	return Content(payload) == contentHash
}
