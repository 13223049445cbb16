package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/session"
)

var (
	// ErrHandshakeTimeout indicates the peer did not answer the
	// handshake in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrVerifyFailed indicates the verification round trip failed or
	// timed out: the peers did not derive the same key.
	ErrVerifyFailed = errors.New("key verification failed")

	// ErrUnexpectedMessage indicates a message type out of protocol
	// order.
	ErrUnexpectedMessage = errors.New("unexpected control message")
)

// verifyPlaintext is the fixed challenge body. Decrypting it proves
// both sides hold the same derived key.
var verifyPlaintext = []byte("ok")

// Config carries the protocol timeouts.
type Config struct {
	// HandshakeTimeout bounds the wait for handshake_response.
	HandshakeTimeout time.Duration
	// VerifyTimeout bounds the wait for verify_ack.
	VerifyTimeout time.Duration
}

// DefaultConfig returns the standard timeouts: 10s handshake, 30s
// verification.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		VerifyTimeout:    30 * time.Second,
	}
}

// Protocol runs the key agreement flows over a control channel. It is
// constructed with an injected session manager.
type Protocol struct {
	sessions *session.Manager
	cfg      Config
}

// NewProtocol creates a handshake protocol bound to a session manager.
func NewProtocol(sessions *session.Manager, cfg Config) *Protocol {
	return &Protocol{sessions: sessions, cfg: cfg}
}

// Initiate runs the initiator side of the handshake for an existing
// session: send the local public key, await the peer's, derive the
// session key, and confirm agreement with the verification ping.
func (p *Protocol) Initiate(ctx context.Context, ch ControlChannel, sessionID string) error {
	localPub, err := p.sessions.LocalPublicKey(sessionID)
	if err != nil {
		return err
	}

	env, err := NewEnvelope(MsgHandshake, sessionID, &HandshakePayload{PublicKey: localPub})
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, env); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	reply, err := p.awaitMessage(ctx, ch, p.cfg.HandshakeTimeout, MsgHandshakeResponse)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no handshake_response within %v", ErrHandshakeTimeout, p.cfg.HandshakeTimeout)
		}
		return err
	}

	var peerPayload HandshakePayload
	if err := reply.DecodePayload(&peerPayload); err != nil {
		return err
	}

	if err := p.deriveAndStore(sessionID, peerPayload.PublicKey); err != nil {
		return err
	}

	if err := p.sendVerify(ctx, ch, sessionID); err != nil {
		return err
	}

	ack, err := p.awaitMessage(ctx, ch, p.cfg.VerifyTimeout, MsgVerifyAck, MsgVerifyFail)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no verify_ack within %v", ErrVerifyFailed, p.cfg.VerifyTimeout)
		}
		return err
	}
	if ack.Type == MsgVerifyFail {
		return fmt.Errorf("%w: peer rejected challenge", ErrVerifyFailed)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Initiate",
		"session_id": sessionID,
	}).Info("Handshake and verification complete")

	return nil
}

// Respond runs the responder side: await the initiator's key, reply
// with the local key, derive the same session key through the
// order-independent salt, then check the verification ping.
// It returns the session ID announced by the initiator.
func (p *Protocol) Respond(ctx context.Context, ch ControlChannel, deviceID string) (string, error) {
	first, err := p.awaitMessage(ctx, ch, p.cfg.HandshakeTimeout, MsgHandshake)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: no handshake within %v", ErrHandshakeTimeout, p.cfg.HandshakeTimeout)
		}
		return "", err
	}

	sessionID := first.SessionID
	var peerPayload HandshakePayload
	if err := first.DecodePayload(&peerPayload); err != nil {
		return "", err
	}
	if err := session.ValidatePeerKey(peerPayload.PublicKey); err != nil {
		return "", err
	}

	if _, err := p.sessions.AdoptSession(sessionID, deviceID); err != nil {
		return "", err
	}

	localPub, err := p.sessions.LocalPublicKey(sessionID)
	if err != nil {
		return "", err
	}
	reply, err := NewEnvelope(MsgHandshakeResponse, sessionID, &HandshakePayload{PublicKey: localPub})
	if err != nil {
		return "", err
	}
	if err := ch.SendMessage(ctx, reply); err != nil {
		return "", fmt.Errorf("failed to send handshake_response: %w", err)
	}

	if err := p.deriveAndStore(sessionID, peerPayload.PublicKey); err != nil {
		return "", err
	}

	verify, err := p.awaitMessage(ctx, ch, p.cfg.VerifyTimeout, MsgVerify)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: no verify within %v", ErrVerifyFailed, p.cfg.VerifyTimeout)
		}
		return "", err
	}

	if err := p.checkVerify(sessionID, verify); err != nil {
		fail, envErr := NewEnvelope(MsgVerifyFail, sessionID, nil)
		if envErr == nil {
			_ = ch.SendMessage(ctx, fail)
		}
		return "", err
	}

	ack, err := NewEnvelope(MsgVerifyAck, sessionID, nil)
	if err != nil {
		return "", err
	}
	if err := ch.SendMessage(ctx, ack); err != nil {
		return "", fmt.Errorf("failed to send verify_ack: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Respond",
		"session_id": sessionID,
		"device_id":  deviceID,
	}).Info("Responder handshake complete")

	return sessionID, nil
}

// deriveAndStore validates the peer key, records it, derives the
// symmetric session key, and marks the handshake complete. The
// intermediate secret and private key copies are wiped on every path.
func (p *Protocol) deriveAndStore(sessionID string, peerKey []byte) error {
	if err := session.ValidatePeerKey(peerKey); err != nil {
		return err
	}
	if err := p.sessions.SetRemotePublicKey(sessionID, peerKey); err != nil {
		return err
	}

	private, err := p.sessions.Keys().PrivateKey(sessionID)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(private)

	secret, err := crypto.ComputeSharedSecret(private, peerKey)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(secret)

	localPub, err := p.sessions.LocalPublicKey(sessionID)
	if err != nil {
		return err
	}

	key, err := crypto.DeriveSessionKey(secret, sessionID, localPub, peerKey)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(key)

	if err := p.sessions.Keys().StoreSymmetricKey(sessionID, key); err != nil {
		return err
	}
	return p.sessions.CompleteHandshake(sessionID)
}

// sendVerify encrypts the fixed challenge under the new session key
// and sends it.
func (p *Protocol) sendVerify(ctx context.Context, ch ControlChannel, sessionID string) error {
	ciphertext, nonce, err := p.sessions.Encrypt(sessionID, []byte(sessionID), verifyPlaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt challenge: %w", err)
	}

	env, err := NewEnvelope(MsgVerify, sessionID, &VerifyPayload{
		Ciphertext: ciphertext,
		Nonce:      nonce[:],
	})
	if err != nil {
		return err
	}
	return ch.SendMessage(ctx, env)
}

// checkVerify decrypts a verify message and compares the plaintext to
// the fixed challenge in constant time.
func (p *Protocol) checkVerify(sessionID string, env *Envelope) error {
	var payload VerifyPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	plaintext, err := p.sessions.Decrypt(sessionID, []byte(sessionID), payload.Nonce, payload.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if !crypto.ConstantTimeEquals(plaintext, verifyPlaintext) {
		return fmt.Errorf("%w: challenge plaintext mismatch", ErrVerifyFailed)
	}
	return nil
}

// awaitMessage waits for one of the wanted message types, bounded by
// timeout. Any other type is a protocol violation.
func (p *Protocol) awaitMessage(ctx context.Context, ch ControlChannel, timeout time.Duration, want ...MessageType) (*Envelope, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := ch.ReceiveMessage(waitCtx)
	if err != nil {
		return nil, err
	}

	for _, w := range want {
		if env.Type == w {
			return env, nil
		}
	}
	return nil, fmt.Errorf("%w: got %s", ErrUnexpectedMessage, env.Type)
}
