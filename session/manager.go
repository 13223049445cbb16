package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/transport"
)

var (
	// ErrSessionNotFound indicates an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotReady indicates an encrypt or decrypt attempt before
	// the handshake completed and the remote key was recorded.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrInvalidPeerKey indicates a remote public key that is not
	// exactly 32 bytes or is all zeros.
	ErrInvalidPeerKey = errors.New("invalid peer public key")

	// ErrKeyVerifyFailed indicates the transport failed the encryption
	// key round-trip verification after all attempts.
	ErrKeyVerifyFailed = errors.New("transport key verification failed")
)

// keyVerifyTestPayload is the fixed plaintext used for the native key
// hand-off round trip.
var keyVerifyTestPayload = []byte("airlink-key-verify")

// SecureSession tracks the security state of one peer connection. The
// local key pair lives in the key manager; the struct holds only
// public state.
type SecureSession struct {
	ID                string
	DeviceID          string
	RemotePublicKey   []byte
	HandshakeComplete bool
	CreatedAt         time.Time
}

// ready reports whether the session can encrypt and decrypt.
func (s *SecureSession) ready() bool {
	return s.HandshakeComplete && len(s.RemotePublicKey) == crypto.KeySize
}

// Config tunes the key hand-off verification loop.
type Config struct {
	// VerifyAttempts is the number of key verification round trips
	// before giving up.
	VerifyAttempts int
	// VerifyBackoff is the delay between verification attempts.
	VerifyBackoff time.Duration
}

// DefaultConfig returns the standard hand-off settings: 3 attempts
// with 200ms backoff.
func DefaultConfig() Config {
	return Config{
		VerifyAttempts: 3,
		VerifyBackoff:  200 * time.Millisecond,
	}
}

// Manager owns the secure session registry. It is constructed with an
// injected KeyManager; there are no package-level instances.
type Manager struct {
	keys     *crypto.KeyManager
	cfg      Config
	sessions map[string]*SecureSession
	mu       sync.Mutex
}

// NewManager creates a secure session manager on top of the given key
// manager.
func NewManager(keys *crypto.KeyManager, cfg Config) *Manager {
	return &Manager{
		keys:     keys,
		cfg:      cfg,
		sessions: make(map[string]*SecureSession),
	}
}

// Keys exposes the underlying key manager for the handshake layer.
func (m *Manager) Keys() *crypto.KeyManager { return m.keys }

// CreateSession starts a new secure session toward a device,
// generating its ephemeral key pair. The returned session ID is a
// time-ordered UUID.
func (m *Manager) CreateSession(deviceID string) (*SecureSession, error) {
	sessionID := uuid.Must(uuid.NewV7()).String()

	pair, err := m.keys.GenerateEphemeralKeyPair(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to key session: %w", err)
	}
	// The manager reads keys through the key manager; the returned
	// copy must not linger.
	pair.Wipe()

	sess := &SecureSession{
		ID:        sessionID,
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "CreateSession",
		"session_id": sessionID,
		"device_id":  deviceID,
	}).Info("Secure session created")

	return m.snapshot(sess), nil
}

// AdoptSession registers a session created by the remote initiator,
// keyed with a fresh local ephemeral pair. Used by the responder path.
func (m *Manager) AdoptSession(sessionID, deviceID string) (*SecureSession, error) {
	pair, err := m.keys.GenerateEphemeralKeyPair(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to key adopted session: %w", err)
	}
	pair.Wipe()

	sess := &SecureSession{
		ID:        sessionID,
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "AdoptSession",
		"session_id": sessionID,
		"device_id":  deviceID,
	}).Info("Remote-initiated session adopted")

	return m.snapshot(sess), nil
}

// LocalPublicKey returns the session's ephemeral public key.
func (m *Manager) LocalPublicKey(sessionID string) ([]byte, error) {
	pub, err := m.keys.PublicKey(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, crypto.KeySize)
	copy(out, pub[:])
	return out, nil
}

// ValidatePeerKey checks that a remote public key is exactly 32 bytes
// and not all zeros.
func ValidatePeerKey(key []byte) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPeerKey, len(key))
	}
	var acc byte
	for _, b := range key {
		acc |= b
	}
	if acc == 0 {
		return fmt.Errorf("%w: all zeros", ErrInvalidPeerKey)
	}
	return nil
}

// SetRemotePublicKey records the peer's public key after validation.
func (m *Manager) SetRemotePublicKey(sessionID string, key []byte) error {
	if err := ValidatePeerKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	stored := make([]byte, crypto.KeySize)
	copy(stored, key)
	sess.RemotePublicKey = stored
	return nil
}

// CompleteHandshake marks the handshake finished. It fails if the
// remote public key has not been recorded, preserving the readiness
// invariant.
func (m *Manager) CompleteHandshake(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if len(sess.RemotePublicKey) != crypto.KeySize {
		return fmt.Errorf("%w: remote key missing", ErrSessionNotReady)
	}

	sess.HandshakeComplete = true

	logrus.WithFields(logrus.Fields{
		"function":   "CompleteHandshake",
		"session_id": sessionID,
		"device_id":  sess.DeviceID,
	}).Info("Handshake complete, session ready")

	return nil
}

// IsReady reports whether the session can encrypt and decrypt.
func (m *Manager) IsReady(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return ok && sess.ready()
}

// Session returns a snapshot of the session state.
func (m *Manager) Session(sessionID string) (*SecureSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return m.snapshot(sess), nil
}

// snapshot copies session state so callers never observe concurrent
// mutation.
func (m *Manager) snapshot(sess *SecureSession) *SecureSession {
	out := &SecureSession{
		ID:                sess.ID,
		DeviceID:          sess.DeviceID,
		HandshakeComplete: sess.HandshakeComplete,
		CreatedAt:         sess.CreatedAt,
	}
	if sess.RemotePublicKey != nil {
		out.RemotePublicKey = append([]byte(nil), sess.RemotePublicKey...)
	}
	return out
}

// Encrypt encrypts plaintext under the session key. Rejected unless
// the session is ready.
func (m *Manager) Encrypt(sessionID string, aad, plaintext []byte) (ciphertext []byte, nonce [crypto.NonceSize]byte, err error) {
	if !m.IsReady(sessionID) {
		return nil, nonce, fmt.Errorf("%w: %s", ErrSessionNotReady, sessionID)
	}
	return m.keys.EncryptWithSessionKey(sessionID, aad, plaintext)
}

// Decrypt decrypts ciphertext under the session key. Rejected unless
// the session is ready.
func (m *Manager) Decrypt(sessionID string, aad, nonce, ciphertext []byte) ([]byte, error) {
	if !m.IsReady(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotReady, sessionID)
	}
	return m.keys.DecryptWithSessionKey(sessionID, aad, nonce, ciphertext)
}

// HandOffKey propagates the session key to a transport that encrypts
// natively, then verifies the hand-off with an encryption round trip,
// retrying per the configured attempts and backoff. Transports without
// offload capability are a no-op: encryption stays local.
func (m *Manager) HandOffKey(ctx context.Context, sessionID, token string, t transport.Transport) error {
	if !t.Capabilities().EncryptionOffload {
		logrus.WithFields(logrus.Fields{
			"function":   "HandOffKey",
			"session_id": sessionID,
		}).Debug("Transport has no encryption offload, keeping encryption local")
		return nil
	}

	offloader, ok := t.(transport.KeyOffloader)
	if !ok {
		return fmt.Errorf("transport claims offload but implements no KeyOffloader")
	}

	key, haveKey := m.keys.SymmetricKey(sessionID)
	if !haveKey {
		return fmt.Errorf("%w: %s", crypto.ErrNoSessionKey, sessionID)
	}
	defer crypto.ZeroBytes(key)

	if err := offloader.SetEncryptionKey(token, key); err != nil {
		return fmt.Errorf("failed to set transport key: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.VerifyAttempts; attempt++ {
		check, err := offloader.VerifyEncryptionKey(token, keyVerifyTestPayload)
		if err == nil {
			plaintext, decErr := crypto.DecryptGCM(key, check.Nonce, nil, check.Ciphertext)
			if decErr == nil && crypto.ConstantTimeEquals(plaintext, keyVerifyTestPayload) {
				logrus.WithFields(logrus.Fields{
					"function":   "HandOffKey",
					"session_id": sessionID,
					"attempt":    attempt,
				}).Info("Transport key hand-off verified")
				return nil
			}
			lastErr = ErrKeyVerifyFailed
		} else {
			lastErr = err
		}

		logrus.WithFields(logrus.Fields{
			"function":   "HandOffKey",
			"session_id": sessionID,
			"attempt":    attempt,
			"error":      lastErr.Error(),
		}).Warn("Key verification attempt failed")

		if attempt < m.cfg.VerifyAttempts {
			select {
			case <-time.After(m.cfg.VerifyBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrKeyVerifyFailed, m.cfg.VerifyAttempts, lastErr)
}

// EndSession tears down the session and erases its key material.
// Idempotent.
func (m *Manager) EndSession(sessionID string) {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.keys.EndSession(sessionID)

	if existed {
		logrus.WithFields(logrus.Fields{
			"function":   "EndSession",
			"session_id": sessionID,
		}).Info("Secure session ended")
	}
}

// EndAllSessions tears down every session.
func (m *Manager) EndAllSessions() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessions = make(map[string]*SecureSession)
	m.mu.Unlock()

	for _, id := range ids {
		m.keys.EndSession(id)
	}
}
