package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length in bytes of X25519 keys, shared secrets, and
// derived symmetric keys.
const KeySize = 32

// KeyPair represents an X25519 key pair used for session key agreement.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random X25519 key pair. The private
// scalar is clamped per RFC 7748 and the result is guaranteed not to
// be all zeros.
func GenerateKeyPair() (*KeyPair, error) {
	var private [KeySize]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	// RFC 7748 clamping
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64

	var public [KeySize]byte
	curve25519.ScalarBaseMult(&public, &private)

	if isZero(public[:]) {
		ZeroBytes(private[:])
		return nil, ErrWeakKey
	}

	return &KeyPair{Public: public, Private: private}, nil
}

// Wipe securely erases the private half of the key pair. The public
// key is left intact so rotation events can still reference it.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}

// isZero reports whether every byte of b is zero.
func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
