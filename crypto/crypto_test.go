package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	t.Parallel()

	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if isZero(keys.Public[:]) {
		t.Error("Generated public key is all zeros")
	}
	if isZero(keys.Private[:]) {
		t.Error("Generated private key is all zeros")
	}

	// RFC 7748 clamping
	if keys.Private[0]&7 != 0 {
		t.Error("Private key low bits not cleared")
	}
	if keys.Private[31]&128 != 0 {
		t.Error("Private key high bit not cleared")
	}
	if keys.Private[31]&64 == 0 {
		t.Error("Private key second-highest bit not set")
	}
}

func TestComputeSharedSecretAgreement(t *testing.T) {
	t.Parallel()

	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	fromAlice, err := ComputeSharedSecret(alice.Private[:], bob.Public[:])
	if err != nil {
		t.Fatalf("ComputeSharedSecret failed for alice: %v", err)
	}
	fromBob, err := ComputeSharedSecret(bob.Private[:], alice.Public[:])
	if err != nil {
		t.Fatalf("ComputeSharedSecret failed for bob: %v", err)
	}

	if !bytes.Equal(fromAlice, fromBob) {
		t.Error("ECDH outputs disagree between peers")
	}
}

func TestComputeSharedSecretInvalidLength(t *testing.T) {
	t.Parallel()

	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	if _, err := ComputeSharedSecret(keys.Private[:16], keys.Public[:]); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Expected ErrInvalidKeyLength for short private key, got %v", err)
	}
	if _, err := ComputeSharedSecret(keys.Private[:], keys.Public[:31]); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Expected ErrInvalidKeyLength for short public key, got %v", err)
	}
}

func TestComputeSharedSecretWeakPeerKey(t *testing.T) {
	t.Parallel()

	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	// An all-zero peer key is a small-order point; X25519 yields an
	// all-zero shared secret which must be rejected.
	zeroPeer := make([]byte, KeySize)
	_, err = ComputeSharedSecret(keys.Private[:], zeroPeer)
	if err == nil {
		t.Fatal("Expected error for all-zero peer key")
	}
}

// TestDeriveSessionKeySymmetry verifies the core design property: the
// derived key is independent of which peer acts as initiator, because
// the salt orders the two public keys lexicographically.
func TestDeriveSessionKeySymmetry(t *testing.T) {
	t.Parallel()

	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	const sessionID = "session-symmetry-test"

	secretA, err := ComputeSharedSecret(alice.Private[:], bob.Public[:])
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}
	secretB, err := ComputeSharedSecret(bob.Private[:], alice.Public[:])
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}

	keyA, err := DeriveSessionKey(secretA, sessionID, alice.Public[:], bob.Public[:])
	if err != nil {
		t.Fatalf("DeriveSessionKey failed for alice: %v", err)
	}
	keyB, err := DeriveSessionKey(secretB, sessionID, bob.Public[:], alice.Public[:])
	if err != nil {
		t.Fatalf("DeriveSessionKey failed for bob: %v", err)
	}

	if !bytes.Equal(keyA, keyB) {
		t.Error("Session keys differ depending on initiator role")
	}
}

func TestDeriveSessionKeyBoundToSession(t *testing.T) {
	t.Parallel()

	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	secret, err := ComputeSharedSecret(alice.Private[:], bob.Public[:])
	if err != nil {
		t.Fatalf("ECDH failed: %v", err)
	}

	keyOne, err := DeriveSessionKey(secret, "session-one", alice.Public[:], bob.Public[:])
	if err != nil {
		t.Fatalf("DeriveSessionKey failed: %v", err)
	}
	keyTwo, err := DeriveSessionKey(secret, "session-two", alice.Public[:], bob.Public[:])
	if err != nil {
		t.Fatalf("DeriveSessionKey failed: %v", err)
	}

	if bytes.Equal(keyOne, keyTwo) {
		t.Error("Different session IDs produced the same key")
	}
}

func TestHKDFSha256ZeroSaltDefault(t *testing.T) {
	t.Parallel()

	secret := []byte("some input keying material")

	withNil, err := HKDFSha256(secret, "info", nil)
	if err != nil {
		t.Fatalf("HKDFSha256 with nil salt failed: %v", err)
	}
	withZeros, err := HKDFSha256(secret, "info", make([]byte, 32))
	if err != nil {
		t.Fatalf("HKDFSha256 with zero salt failed: %v", err)
	}

	// RFC 5869: absent salt equals a string of HashLen zeros.
	if !bytes.Equal(withNil, withZeros) {
		t.Error("nil salt does not match explicit zero salt")
	}
}

func TestEncryptDecryptGCMRoundTrip(t *testing.T) {
	t.Parallel()

	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce failed: %v", err)
	}
	plaintext := []byte("chunk payload for round trip")
	aad := []byte("session-aad")

	ciphertext, err := EncryptGCM(key, nonce[:], aad, plaintext)
	if err != nil {
		t.Fatalf("EncryptGCM failed: %v", err)
	}
	if len(ciphertext) != len(plaintext)+TagSize {
		t.Errorf("Expected ciphertext length %d, got %d", len(plaintext)+TagSize, len(ciphertext))
	}

	decrypted, err := DecryptGCM(key, nonce[:], aad, ciphertext)
	if err != nil {
		t.Fatalf("DecryptGCM failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("Round trip did not preserve plaintext")
	}
}

func TestDecryptGCMTamperDetection(t *testing.T) {
	t.Parallel()

	key := make([]byte, KeySize)
	key[0] = 1
	nonce, _ := GenerateNonce()
	plaintext := []byte("integrity protected data")

	ciphertext, err := EncryptGCM(key, nonce[:], nil, plaintext)
	if err != nil {
		t.Fatalf("EncryptGCM failed: %v", err)
	}

	// Flipping any single byte, ciphertext or tag, must fail auth.
	for i := range ciphertext {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		if _, err := DecryptGCM(key, nonce[:], nil, tampered); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("Byte flip at %d did not fail authentication: %v", i, err)
		}
	}
}

func TestGCMRejectsWeakInputs(t *testing.T) {
	t.Parallel()

	goodKey := make([]byte, KeySize)
	goodKey[5] = 7
	nonce, _ := GenerateNonce()

	if _, err := EncryptGCM(make([]byte, KeySize), nonce[:], nil, []byte("x")); !errors.Is(err, ErrWeakKey) {
		t.Errorf("Expected ErrWeakKey for all-zero key, got %v", err)
	}
	if _, err := EncryptGCM(goodKey, make([]byte, NonceSize), nil, []byte("x")); !errors.Is(err, ErrInvalidNonce) {
		t.Errorf("Expected ErrInvalidNonce for all-zero nonce, got %v", err)
	}
	if _, err := EncryptGCM(goodKey[:16], nonce[:], nil, []byte("x")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Errorf("Expected ErrInvalidKeyLength for short key, got %v", err)
	}
	if _, err := EncryptGCM(goodKey, nonce[:8], nil, []byte("x")); !errors.Is(err, ErrInvalidNonce) {
		t.Errorf("Expected ErrInvalidNonce for short nonce, got %v", err)
	}
}

func TestConstantTimeEquals(t *testing.T) {
	t.Parallel()

	if !ConstantTimeEquals([]byte("abc"), []byte("abc")) {
		t.Error("Equal slices compared unequal")
	}
	if ConstantTimeEquals([]byte("abc"), []byte("abd")) {
		t.Error("Different slices compared equal")
	}
	if ConstantTimeEquals([]byte("abc"), []byte("ab")) {
		t.Error("Different-length slices compared equal")
	}
}

func TestSecureWipe(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3, 4, 5}
	if err := SecureWipe(data); err != nil {
		t.Fatalf("SecureWipe failed: %v", err)
	}
	if !isZero(data) {
		t.Error("Data not zeroed after SecureWipe")
	}

	if err := SecureWipe(nil); err == nil {
		t.Error("Expected error wiping nil data")
	}
}
