// Package hash computes content digests for deduplication.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// ChunkSize bounds memory use while hashing regardless of input size.
const ChunkSize = 8 * 1024

// DigestLength is the length of the hex digest string.
const DigestLength = sha256.Size * 2

// Digest streams r in fixed-size chunks and returns the SHA-256 digest as a
// hex string. Identical byte sequences always yield identical digests; this
// is the deduplication key.
func Digest(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read for digest: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestSeeker hashes r's full content regardless of its current position
// and rewinds it to the start so the caller can reuse the same handle.
func DigestSeeker(r io.ReadSeeker) (string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind before digest: %w", err)
	}
	digest, err := Digest(r)
	if err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind after digest: %w", err)
	}
	return digest, nil
}
