package serialization

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MetadataChecksum is the metadata key holding the hex SHA-256 of the data section.
const MetadataChecksum = "sha256"

// ComputeChecksum computes SHA-256 checksum of data.
func ComputeChecksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ValidateChecksum compares the checksum of data against a hex-encoded digest.
// Returns ErrChecksumMismatch if they don't match.
func ValidateChecksum(data []byte, storedHex string) error {
	stored, err := hex.DecodeString(storedHex)
	if err != nil || len(stored) != sha256.Size {
		return fmt.Errorf("%w: malformed stored digest %q", ErrChecksumMismatch, storedHex)
	}
	computed := ComputeChecksum(data)
	if string(computed[:]) != string(stored) {
		return ErrChecksumMismatch
	}
	return nil
}
