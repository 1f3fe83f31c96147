// Package hashing computes the content checksums and input fingerprints
// recorded in the provenance manifest. All digests are lowercase hex SHA-256.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// DefaultChunkSize is the read size used by HashFile.
const DefaultChunkSize = 1 << 20

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile streams path through SHA-256 in DefaultChunkSize reads.
func HashFile(path string) (string, error) {
	return HashFileChunked(path, DefaultChunkSize)
}

// HashFileChunked streams path through SHA-256 using the given read size.
// The digest does not depend on the chunk size.
func HashFileChunked(path string, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		return "", fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(struct{ io.Writer }{h}, struct{ io.Reader }{f}, make([]byte, chunkSize)); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashPaths fingerprints a set of paths. Paths are absolutized, cleaned,
// deduplicated and sorted, so the result does not depend on input order.
// Each path contributes its string and, when it is a regular file, its
// content digest. Missing paths and directories contribute their path only.
// Fields are length-prefixed so that no two distinct path sets collide by
// concatenation.
func HashPaths(paths []string) (string, error) {
	seen := make(map[string]bool, len(paths))
	norm := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", p, err)
		}
		if !seen[abs] {
			seen[abs] = true
			norm = append(norm, abs)
		}
	}
	sort.Strings(norm)

	h := sha256.New()
	for _, p := range norm {
		writeField(h, []byte(p))
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			writeField(h, nil)
			continue
		}
		digest, err := HashFile(p)
		if err != nil {
			return "", err
		}
		writeField(h, []byte(digest))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h hash.Hash, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	h.Write(length[:])
	h.Write(data)
}
