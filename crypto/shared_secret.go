package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// ComputeSharedSecret performs X25519 ECDH between a local private key
// and a remote public key. Both inputs must be exactly KeySize bytes.
// An all-zero result is rejected as a degenerate or small-subgroup
// indicator.
func ComputeSharedSecret(localPrivate, remotePublic []byte) ([]byte, error) {
	if len(localPrivate) != KeySize || len(remotePublic) != KeySize {
		return nil, fmt.Errorf("%w: private %d, public %d",
			ErrInvalidKeyLength, len(localPrivate), len(remotePublic))
	}

	logrus.WithFields(logrus.Fields{
		"function":        "ComputeSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", remotePublic[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Work on a copy so the caller's private key is never mutated.
	private := make([]byte, KeySize)
	copy(private, localPrivate)
	defer ZeroBytes(private)

	secret, err := curve25519.X25519(private, remotePublic)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ComputeSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	if isZero(secret) {
		ZeroBytes(secret)
		return nil, ErrWeakSecret
	}

	return secret, nil
}
