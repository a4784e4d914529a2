package ingest

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint is the hex BLAKE2b-256 digest of an uploaded file.
func Fingerprint(content []byte) string {
	sum := blake2b.Sum256(content)
	return hex.EncodeToString(sum[:])
}
