package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// PayloadChecksum returns the SHA-256 hex digest of the payload bytes.
// The payload travels verbatim inside the frame, so the digest is computed
// over exactly the bytes a receiver sees.
func PayloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// VerifyPayload checks payload bytes against a transmitted checksum.
func VerifyPayload(payload []byte, checksum string) bool {
	return PayloadChecksum(payload) == checksum
}
