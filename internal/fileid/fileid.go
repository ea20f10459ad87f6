// Package fileid derives stable document IDs for files ingested from disk.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const prefix = "file-"

// ForPath returns the document ID of the file at path. The path is cleaned first,
// so equivalent spellings of one path share an ID. IDs are safe as file names.
func ForPath(path string) string {
	sum := sha256.Sum256([]byte(filepath.Clean(path)))
	return prefix + hex.EncodeToString(sum[:16])
}

// IsPathID reports whether id was produced by ForPath.
func IsPathID(id string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
