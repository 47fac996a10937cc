// Package signing computes BLAKE3 checksums for outbound push payloads,
// giving offline-queued pushes a content hash that survives a round trip
// through SQLite without re-serializing the original JSON.
package signing

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Checksum returns the BLAKE3 digest of data.
func Checksum(data []byte) []byte {
	h := blake3.New()
	h.Write(data)
	return h.Sum(nil)
}

// ChecksumHex returns Checksum(data) hex-encoded, the form stored alongside
// queued items and printed by the CLI.
func ChecksumHex(data []byte) string {
	return hex.EncodeToString(Checksum(data))
}

// Verify reports whether data's checksum matches the hex-encoded digest
// produced by ChecksumHex.
func Verify(data []byte, wantHex string) bool {
	return ChecksumHex(data) == wantHex
}
