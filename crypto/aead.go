package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// NonceSize is the length in bytes of AES-GCM nonces.
const NonceSize = 12

// TagSize is the length in bytes of the GCM authentication tag
// appended to ciphertexts.
const TagSize = 16

// GenerateNonce creates a cryptographically secure random GCM nonce.
func GenerateNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return [NonceSize]byte{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// EncryptGCM encrypts plaintext with AES-256-GCM. The returned
// ciphertext carries the authentication tag in its final TagSize
// bytes. All-zero keys and nonces are rejected.
func EncryptGCM(key, nonce, aad, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

// DecryptGCM decrypts an AES-256-GCM ciphertext produced by
// EncryptGCM. A tag mismatch surfaces as ErrAuthenticationFailed and
// no partial plaintext is ever returned.
func DecryptGCM(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key, nonce)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// newGCM validates key and nonce and builds the AEAD instance shared
// by EncryptGCM and DecryptGCM.
func newGCM(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(key))
	}
	if isZero(key) {
		return nil, ErrWeakKey
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidNonce, len(nonce))
	}
	if isZero(nonce) {
		return nil, fmt.Errorf("%w: all zeros", ErrInvalidNonce)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
