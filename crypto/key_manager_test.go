package crypto

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyedManager returns a manager with a symmetric-keyed session and a
// peer key pair, ready for encrypt/decrypt tests.
func keyedManager(t *testing.T, sessionID string) (*KeyManager, *KeyPair) {
	t.Helper()

	km := NewKeyManager(DefaultRotationPolicy())
	_, err := km.GenerateEphemeralKeyPair(sessionID)
	require.NoError(t, err)

	peer, err := GenerateKeyPair()
	require.NoError(t, err)

	private, err := km.PrivateKey(sessionID)
	require.NoError(t, err)
	secret, err := ComputeSharedSecret(private, peer.Public[:])
	require.NoError(t, err)
	ZeroBytes(private)

	require.NoError(t, km.DeriveAndStoreSymmetricKey(sessionID, secret, "airlink/v1/session:"+sessionID, nil))
	return km, peer
}

func TestKeyManagerLifecycle(t *testing.T) {
	t.Parallel()

	km := NewKeyManager(DefaultRotationPolicy())
	const sessionID = "lifecycle"

	if km.HasSession(sessionID) {
		t.Error("Session present before generation")
	}

	pair, err := km.GenerateEphemeralKeyPair(sessionID)
	require.NoError(t, err)
	require.NotNil(t, pair)

	// none -> keyed is a one-way transition; a second generation for
	// the same session must be rejected.
	_, err = km.GenerateEphemeralKeyPair(sessionID)
	assert.ErrorIs(t, err, ErrSessionExists)

	// keyed but not symmetric-keyed: encrypt must fail with
	// ErrNoSessionKey.
	_, _, err = km.EncryptWithSessionKey(sessionID, nil, []byte("data"))
	assert.ErrorIs(t, err, ErrNoSessionKey)

	km.EndSession(sessionID)
	assert.False(t, km.HasSession(sessionID))

	// Idempotent teardown.
	km.EndSession(sessionID)
}

func TestEncryptDecryptWithSessionKey(t *testing.T) {
	t.Parallel()

	km, _ := keyedManager(t, "roundtrip")

	plaintext := []byte("session traffic")
	ciphertext, nonce, err := km.EncryptWithSessionKey("roundtrip", []byte("aad"), plaintext)
	require.NoError(t, err)

	decrypted, err := km.DecryptWithSessionKey("roundtrip", []byte("aad"), nonce[:], ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// Wrong AAD must fail authentication.
	_, err = km.DecryptWithSessionKey("roundtrip", []byte("other"), nonce[:], ciphertext)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

// TestKeyErasureOnEndSession verifies the stored symmetric key buffer
// is zeroed, not merely dropped, when the session ends.
func TestKeyErasureOnEndSession(t *testing.T) {
	t.Parallel()

	km, _ := keyedManager(t, "erasure")

	km.mu.Lock()
	internal := km.entries["erasure"].symmetricKey
	km.mu.Unlock()
	require.NotNil(t, internal)
	require.False(t, isZero(internal))

	km.EndSession("erasure")

	if !isZero(internal) {
		t.Error("Symmetric key buffer not zeroed after EndSession")
	}
	_, ok := km.SymmetricKey("erasure")
	assert.False(t, ok)
}

// TestRotationPreservesTraffic verifies that rotating the ephemeral
// key pair keeps the symmetric key working: only asymmetric material
// changes.
func TestRotationPreservesTraffic(t *testing.T) {
	t.Parallel()

	km, _ := keyedManager(t, "rotate")

	before, ok := km.SymmetricKey("rotate")
	require.True(t, ok)
	pubBefore, err := km.PublicKey("rotate")
	require.NoError(t, err)

	ciphertext, nonce, err := km.EncryptWithSessionKey("rotate", nil, []byte("pre-rotation"))
	require.NoError(t, err)

	require.NoError(t, km.RotateSessionKey("rotate"))

	after, ok := km.SymmetricKey("rotate")
	require.True(t, ok)
	assert.True(t, bytes.Equal(before, after), "symmetric key changed across rotation")

	pubAfter, err := km.PublicKey("rotate")
	require.NoError(t, err)
	assert.NotEqual(t, pubBefore, pubAfter, "public key unchanged across rotation")

	decrypted, err := km.DecryptWithSessionKey("rotate", nil, nonce[:], ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("pre-rotation"), decrypted)
}

func TestRotationEmitsEvent(t *testing.T) {
	t.Parallel()

	km, _ := keyedManager(t, "events")

	var events []RotationEvent
	km.RegisterRotationObserver(func(ev RotationEvent) {
		events = append(events, ev)
	})

	require.NoError(t, km.RotateSessionKey("events"))
	require.Len(t, events, 1)
	assert.Equal(t, RotationKeyPair, events[0].Kind)
	assert.Equal(t, "events", events[0].SessionID)

	pub, err := km.PublicKey("events")
	require.NoError(t, err)
	assert.Equal(t, pub, events[0].PublicKey)
}

func TestRotationObserverUnregister(t *testing.T) {
	t.Parallel()

	km, _ := keyedManager(t, "unsub")

	count := 0
	stop := km.RegisterRotationObserver(func(RotationEvent) { count++ })
	require.NoError(t, km.RotateSessionKey("unsub"))
	require.Equal(t, 1, count)

	stop()
	require.NoError(t, km.RotateSessionKey("unsub"))
	assert.Equal(t, 1, count)
}

func TestShouldRotateKeyUsagePolicy(t *testing.T) {
	t.Parallel()

	km := NewKeyManager(RotationPolicy{MaxAge: time.Hour, MaxUses: 2})
	const sessionID = "usage"

	_, err := km.GenerateEphemeralKeyPair(sessionID)
	require.NoError(t, err)

	peer, err := GenerateKeyPair()
	require.NoError(t, err)
	private, _ := km.PrivateKey(sessionID)
	secret, err := ComputeSharedSecret(private, peer.Public[:])
	require.NoError(t, err)
	require.NoError(t, km.DeriveAndStoreSymmetricKey(sessionID, secret, "info", nil))

	assert.False(t, km.ShouldRotateKey(sessionID))

	for i := 0; i < 3; i++ {
		_, _, err := km.EncryptWithSessionKey(sessionID, nil, []byte("x"))
		require.NoError(t, err)
	}

	assert.True(t, km.ShouldRotateKey(sessionID), "usage count over threshold should trigger rotation")
}

func TestSymmetricKeyRenegotiation(t *testing.T) {
	t.Parallel()

	km, _ := keyedManager(t, "reneg")

	oldKey, ok := km.SymmetricKey("reneg")
	require.True(t, ok)

	km.mu.Lock()
	oldInternal := km.entries["reneg"].symmetricKey
	km.mu.Unlock()

	stagedPub, err := km.StartSymmetricKeyRenegotiation("reneg")
	require.NoError(t, err)
	assert.False(t, isZero(stagedPub[:]))

	// Peer side of the renegotiation exchange.
	peer, err := GenerateKeyPair()
	require.NoError(t, err)
	stagedPriv, err := km.StagedPrivateKey("reneg")
	require.NoError(t, err)
	secret, err := ComputeSharedSecret(stagedPriv, peer.Public[:])
	require.NoError(t, err)
	ZeroBytes(stagedPriv)

	require.NoError(t, km.CompleteSymmetricKeyRenegotiation("reneg", secret, "rekey-info", nil))

	newKey, ok := km.SymmetricKey("reneg")
	require.True(t, ok)
	assert.False(t, bytes.Equal(oldKey, newKey), "symmetric key unchanged after renegotiation")
	assert.True(t, isZero(oldInternal), "old symmetric key buffer not erased")

	// Staged state cleared: completing again must fail.
	err = km.CompleteSymmetricKeyRenegotiation("reneg", []byte("secret"), "rekey-info", nil)
	assert.ErrorIs(t, err, ErrRenegotiationNotStarted)

	// Promoted key pair matches the staged public key.
	pub, err := km.PublicKey("reneg")
	require.NoError(t, err)
	assert.Equal(t, stagedPub, pub)
}

func TestEndAllSessions(t *testing.T) {
	t.Parallel()

	km := NewKeyManager(DefaultRotationPolicy())
	for _, id := range []string{"a", "b", "c"} {
		_, err := km.GenerateEphemeralKeyPair(id)
		require.NoError(t, err)
	}

	km.EndAllSessions()

	for _, id := range []string{"a", "b", "c"} {
		if km.HasSession(id) {
			t.Errorf("Session %q still present after EndAllSessions", id)
		}
	}
}

func TestOperationsOnUnknownSession(t *testing.T) {
	t.Parallel()

	km := NewKeyManager(DefaultRotationPolicy())

	if _, err := km.PublicKey("ghost"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
	if err := km.RotateSessionKey("ghost"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
	if _, _, err := km.EncryptWithSessionKey("ghost", nil, []byte("x")); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}
