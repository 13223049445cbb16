package transfer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/airlink-dev/airlink/crypto"
)

// FileChecksum computes the SHA-256 digest of the file at path.
func FileChecksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash file: %w", err)
	}
	return h.Sum(nil), nil
}

// VerifyFileChecksum reports whether the file at path hashes to the
// expected digest. The comparison is constant time.
func VerifyFileChecksum(path string, expected []byte) (bool, error) {
	if len(expected) != sha256.Size {
		return false, fmt.Errorf("expected checksum must be %d bytes, got %d", sha256.Size, len(expected))
	}
	actual, err := FileChecksum(path)
	if err != nil {
		return false, err
	}
	return crypto.ConstantTimeEquals(actual, expected), nil
}
