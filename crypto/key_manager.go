package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RotationPolicy controls when a session's ephemeral key pair becomes
// due for rotation.
type RotationPolicy struct {
	// MaxAge is the maximum ephemeral key age before rotation is due.
	MaxAge time.Duration
	// MaxUses is the maximum number of encrypt operations before
	// rotation is due.
	MaxUses int
}

// DefaultRotationPolicy returns the standard rotation thresholds:
// 24 hours or 100 encrypt operations, whichever comes first.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		MaxAge:  24 * time.Hour,
		MaxUses: 100,
	}
}

// RotationEventKind distinguishes rotation notifications.
type RotationEventKind uint8

const (
	// RotationKeyPair signals the ephemeral key pair was replaced while
	// the symmetric key stayed in place.
	RotationKeyPair RotationEventKind = iota
	// RotationRenegotiationStaged signals a fresh key pair was staged
	// for symmetric key renegotiation and must be exchanged with the
	// peer.
	RotationRenegotiationStaged
)

// RotationEvent is emitted whenever key material changes in a way the
// handshake layer must propagate to the peer.
type RotationEvent struct {
	SessionID string
	Kind      RotationEventKind
	PublicKey [KeySize]byte
}

// RotationObserver receives rotation events. Observers must not block;
// the key manager invokes them synchronously.
type RotationObserver func(RotationEvent)

// sessionKeyEntry holds all key material for one session.
type sessionKeyEntry struct {
	keyPair      *KeyPair
	createdAt    time.Time
	symmetricKey []byte
	usageCount   int
	staged       *KeyPair
}

// KeyManager owns per-session ephemeral key pairs and derived
// symmetric keys. Every exit path, including errors, preserves the
// erasure guarantee: ended sessions leave no key bytes behind.
//
// A KeyManager is constructed explicitly and injected into the
// components that need it; there is no package-level instance.
type KeyManager struct {
	mu        sync.Mutex
	entries   map[string]*sessionKeyEntry
	policy    RotationPolicy
	observers map[uint64]RotationObserver
	nextObsID uint64
}

// NewKeyManager creates a key manager with the given rotation policy.
func NewKeyManager(policy RotationPolicy) *KeyManager {
	return &KeyManager{
		entries:   make(map[string]*sessionKeyEntry),
		policy:    policy,
		observers: make(map[uint64]RotationObserver),
	}
}

// RegisterRotationObserver subscribes to rotation events. The
// handshake layer uses this to forward rotated public keys to the
// peer. The returned function unsubscribes; sessions must call it when
// their channel goes away so observers do not accumulate.
func (km *KeyManager) RegisterRotationObserver(obs RotationObserver) func() {
	km.mu.Lock()
	defer km.mu.Unlock()
	id := km.nextObsID
	km.nextObsID++
	km.observers[id] = obs
	return func() {
		km.mu.Lock()
		defer km.mu.Unlock()
		delete(km.observers, id)
	}
}

// GenerateEphemeralKeyPair creates and stores a fresh key pair for the
// session, transitioning it from no key material to keyed. It fails if
// the session already has key material.
func (km *KeyManager) GenerateEphemeralKeyPair(sessionID string) (*KeyPair, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	if _, exists := km.entries[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key pair: %w", err)
	}

	km.entries[sessionID] = &sessionKeyEntry{
		keyPair:   keyPair,
		createdAt: time.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateEphemeralKeyPair",
		"session_id": sessionID,
		"key_prefix": fmt.Sprintf("%x", keyPair.Public[:8]),
	}).Info("Ephemeral key pair generated for session")

	return &KeyPair{Public: keyPair.Public, Private: keyPair.Private}, nil
}

// PublicKey returns the session's current ephemeral public key.
func (km *KeyManager) PublicKey(sessionID string) ([KeySize]byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return [KeySize]byte{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	return entry.keyPair.Public, nil
}

// PrivateKey returns a copy of the session's current ephemeral private
// key for ECDH. Callers must wipe the copy after use.
func (km *KeyManager) PrivateKey(sessionID string) ([]byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	private := make([]byte, KeySize)
	copy(private, entry.keyPair.Private[:])
	return private, nil
}

// DeriveAndStoreSymmetricKey derives a symmetric key from sharedSecret
// via HKDF-SHA256 and stores it, transitioning the session from keyed
// to symmetric-keyed. The shared secret is wiped before returning on
// every path.
func (km *KeyManager) DeriveAndStoreSymmetricKey(sessionID string, sharedSecret []byte, info string, salt []byte) error {
	defer ZeroBytes(sharedSecret)

	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}

	key, err := HKDFSha256(sharedSecret, info, salt)
	if err != nil {
		return fmt.Errorf("failed to derive symmetric key: %w", err)
	}

	if entry.symmetricKey != nil {
		ZeroBytes(entry.symmetricKey)
	}
	entry.symmetricKey = key
	entry.usageCount = 0

	logrus.WithFields(logrus.Fields{
		"function":   "DeriveAndStoreSymmetricKey",
		"session_id": sessionID,
	}).Info("Symmetric key derived and stored for session")

	return nil
}

// StoreSymmetricKey installs an externally derived symmetric key for
// the session. Used by the handshake layer after DeriveSessionKey.
func (km *KeyManager) StoreSymmetricKey(sessionID string, key []byte) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		ZeroBytes(key)
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if len(key) != KeySize {
		ZeroBytes(key)
		return fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(key))
	}
	if isZero(key) {
		return ErrWeakKey
	}

	if entry.symmetricKey != nil {
		ZeroBytes(entry.symmetricKey)
	}
	stored := make([]byte, KeySize)
	copy(stored, key)
	entry.symmetricKey = stored
	entry.usageCount = 0
	return nil
}

// SymmetricKey returns a copy of the session's symmetric key, or false
// if none is stored. Callers must wipe the copy after use.
func (km *KeyManager) SymmetricKey(sessionID string) ([]byte, bool) {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok || entry.symmetricKey == nil {
		return nil, false
	}
	key := make([]byte, KeySize)
	copy(key, entry.symmetricKey)
	return key, true
}

// EncryptWithSessionKey encrypts plaintext under the session's
// symmetric key with a fresh random nonce. Each call counts toward the
// rotation usage threshold.
func (km *KeyManager) EncryptWithSessionKey(sessionID string, aad, plaintext []byte) (ciphertext []byte, nonce [NonceSize]byte, err error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return nil, nonce, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if entry.symmetricKey == nil {
		return nil, nonce, fmt.Errorf("%w: %s", ErrNoSessionKey, sessionID)
	}

	nonce, err = GenerateNonce()
	if err != nil {
		return nil, nonce, err
	}

	ciphertext, err = EncryptGCM(entry.symmetricKey, nonce[:], aad, plaintext)
	if err != nil {
		return nil, nonce, err
	}

	entry.usageCount++
	return ciphertext, nonce, nil
}

// DecryptWithSessionKey decrypts a ciphertext produced under the
// session's symmetric key.
func (km *KeyManager) DecryptWithSessionKey(sessionID string, aad, nonce, ciphertext []byte) ([]byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if entry.symmetricKey == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSessionKey, sessionID)
	}

	return DecryptGCM(entry.symmetricKey, nonce, aad, ciphertext)
}

// ShouldRotateKey reports whether the session's ephemeral key pair is
// past the rotation policy thresholds.
func (km *KeyManager) ShouldRotateKey(sessionID string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return false
	}

	if time.Since(entry.createdAt) > km.policy.MaxAge {
		return true
	}
	return entry.usageCount > km.policy.MaxUses
}

// RotateSessionKey replaces the session's ephemeral key pair and
// resets the usage counter. The symmetric key is deliberately kept so
// in-flight ciphertext stays decryptable; only the asymmetric material
// used for future renegotiation changes. A rotation event is emitted
// for the handshake layer to propagate.
func (km *KeyManager) RotateSessionKey(sessionID string) error {
	km.mu.Lock()

	entry, ok := km.entries[sessionID]
	if !ok {
		km.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}

	newPair, err := GenerateKeyPair()
	if err != nil {
		km.mu.Unlock()
		return fmt.Errorf("failed to rotate session key: %w", err)
	}

	entry.keyPair.Wipe()
	entry.keyPair = newPair
	entry.createdAt = time.Now()
	entry.usageCount = 0

	event := RotationEvent{
		SessionID: sessionID,
		Kind:      RotationKeyPair,
		PublicKey: newPair.Public,
	}
	observers := km.observersLocked()
	km.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "RotateSessionKey",
		"session_id": sessionID,
		"key_prefix": fmt.Sprintf("%x", newPair.Public[:8]),
	}).Info("Ephemeral key pair rotated, symmetric key preserved")

	for _, obs := range observers {
		obs(event)
	}
	return nil
}

// StartSymmetricKeyRenegotiation stages a fresh ephemeral key pair for
// replacing the symmetric key itself. The staged public key must be
// exchanged with the peer; CompleteSymmetricKeyRenegotiation finishes
// the swap once the new shared secret is known.
func (km *KeyManager) StartSymmetricKeyRenegotiation(sessionID string) ([KeySize]byte, error) {
	km.mu.Lock()

	entry, ok := km.entries[sessionID]
	if !ok {
		km.mu.Unlock()
		return [KeySize]byte{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}

	staged, err := GenerateKeyPair()
	if err != nil {
		km.mu.Unlock()
		return [KeySize]byte{}, fmt.Errorf("failed to stage renegotiation key: %w", err)
	}

	if entry.staged != nil {
		entry.staged.Wipe()
	}
	entry.staged = staged

	event := RotationEvent{
		SessionID: sessionID,
		Kind:      RotationRenegotiationStaged,
		PublicKey: staged.Public,
	}
	observers := km.observersLocked()
	km.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "StartSymmetricKeyRenegotiation",
		"session_id": sessionID,
	}).Info("Symmetric key renegotiation staged")

	for _, obs := range observers {
		obs(event)
	}
	return staged.Public, nil
}

// StagedPrivateKey returns a copy of the staged renegotiation private
// key so the handshake layer can compute the new shared secret.
// Callers must wipe the copy after use.
func (km *KeyManager) StagedPrivateKey(sessionID string) ([]byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if entry.staged == nil {
		return nil, fmt.Errorf("%w: %s", ErrRenegotiationNotStarted, sessionID)
	}
	private := make([]byte, KeySize)
	copy(private, entry.staged.Private[:])
	return private, nil
}

// CompleteSymmetricKeyRenegotiation derives a new symmetric key from
// the freshly computed shared secret, swaps it in, securely erases the
// old key, promotes the staged key pair, and clears staging state. The
// shared secret is wiped on every path.
func (km *KeyManager) CompleteSymmetricKeyRenegotiation(sessionID string, sharedSecret []byte, info string, salt []byte) error {
	defer ZeroBytes(sharedSecret)

	km.mu.Lock()
	defer km.mu.Unlock()

	entry, ok := km.entries[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if entry.staged == nil {
		return fmt.Errorf("%w: %s", ErrRenegotiationNotStarted, sessionID)
	}

	newKey, err := HKDFSha256(sharedSecret, info, salt)
	if err != nil {
		return fmt.Errorf("failed to derive renegotiated key: %w", err)
	}

	if entry.symmetricKey != nil {
		ZeroBytes(entry.symmetricKey)
	}
	entry.symmetricKey = newKey
	entry.keyPair.Wipe()
	entry.keyPair = entry.staged
	entry.staged = nil
	entry.createdAt = time.Now()
	entry.usageCount = 0

	logrus.WithFields(logrus.Fields{
		"function":   "CompleteSymmetricKeyRenegotiation",
		"session_id": sessionID,
	}).Info("Symmetric key renegotiated, old key erased")

	return nil
}

// EndSession disposes all key material for the session. It is
// idempotent; ending an unknown or already-ended session is a no-op.
func (km *KeyManager) EndSession(sessionID string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.destroyEntryLocked(sessionID)
}

// EndAllSessions disposes key material for every session.
func (km *KeyManager) EndAllSessions() {
	km.mu.Lock()
	defer km.mu.Unlock()

	for sessionID := range km.entries {
		km.destroyEntryLocked(sessionID)
	}
}

// HasSession reports whether key material exists for the session.
func (km *KeyManager) HasSession(sessionID string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	_, ok := km.entries[sessionID]
	return ok
}

// observersLocked snapshots the observer set so events can be
// delivered without holding km.mu. Callers must hold km.mu.
func (km *KeyManager) observersLocked() []RotationObserver {
	observers := make([]RotationObserver, 0, len(km.observers))
	for _, obs := range km.observers {
		observers = append(observers, obs)
	}
	return observers
}

// destroyEntryLocked erases and removes a session entry. Callers must
// hold km.mu.
func (km *KeyManager) destroyEntryLocked(sessionID string) {
	entry, ok := km.entries[sessionID]
	if !ok {
		return
	}

	entry.keyPair.Wipe()
	if entry.staged != nil {
		entry.staged.Wipe()
	}
	if entry.symmetricKey != nil {
		ZeroBytes(entry.symmetricKey)
	}
	delete(km.entries, sessionID)

	logrus.WithFields(logrus.Fields{
		"function":   "destroyEntry",
		"session_id": sessionID,
	}).Info("Session key material erased")
}
