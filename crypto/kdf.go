package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

// sessionInfoPrefix is the fixed HKDF info prefix for session key
// derivation. The session ID is appended so keys are bound to their
// session.
const sessionInfoPrefix = "airlink/v1/session:"

// HKDFSha256 derives a KeySize-byte key from secret using
// HKDF-SHA256. A nil salt selects the RFC 5869 zero-salt default. An
// all-zero output is rejected as a sanity check.
func HKDFSha256(secret []byte, info string, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKeyLength)
	}

	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf expansion failed: %w", err)
	}

	if isZero(key) {
		return nil, ErrWeakDerivedKey
	}

	return key, nil
}

// SessionInfo returns the HKDF info string binding derived keys to a
// session.
func SessionInfo(sessionID string) string {
	return sessionInfoPrefix + sessionID
}

// SessionSalt computes the order-independent derivation salt: the two
// public keys are hashed in lexicographic order together with the
// session ID, so both peers produce the same salt regardless of
// handshake role.
func SessionSalt(sessionID string, pubA, pubB []byte) []byte {
	lo, hi := pubA, pubB
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	h := sha256.New()
	h.Write(lo)
	h.Write(hi)
	h.Write([]byte(sessionID))
	return h.Sum(nil)
}

// DeriveSessionKey derives the symmetric session key from an ECDH
// shared secret. The salt hashes the two public keys in lexicographic
// order, so both peers compute the identical key regardless of which
// side initiated the handshake.
func DeriveSessionKey(sharedSecret []byte, sessionID string, localPublic, remotePublic []byte) ([]byte, error) {
	if len(localPublic) != KeySize || len(remotePublic) != KeySize {
		return nil, fmt.Errorf("%w: local %d, remote %d",
			ErrInvalidKeyLength, len(localPublic), len(remotePublic))
	}

	salt := SessionSalt(sessionID, localPublic, remotePublic)
	key, err := HKDFSha256(sharedSecret, SessionInfo(sessionID), salt)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "DeriveSessionKey",
		"session_id": sessionID,
	}).Debug("Session key derived with order-independent salt")

	return key, nil
}

// Checksum computes the SHA-256 digest of data.
func Checksum(data []byte) [32]byte {
	return sha256.Sum256(data)
}
