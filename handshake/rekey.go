package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/session"
)

// ErrRekeyFailed indicates the symmetric key renegotiation round trip
// did not complete.
var ErrRekeyFailed = errors.New("symmetric key renegotiation failed")

// InitiateRekey runs the initiator side of symmetric key
// renegotiation: stage a fresh key pair, exchange staged public keys
// with the peer, derive the new shared secret, and swap the symmetric
// key while erasing the old one.
func (p *Protocol) InitiateRekey(ctx context.Context, ch ControlChannel, sessionID string) error {
	keys := p.sessions.Keys()

	stagedPub, err := keys.StartSymmetricKeyRenegotiation(sessionID)
	if err != nil {
		return err
	}

	env, err := NewEnvelope(MsgRekey, sessionID, &RekeyPayload{PublicKey: stagedPub[:]})
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, env); err != nil {
		return fmt.Errorf("failed to send rekey: %w", err)
	}

	reply, err := p.awaitMessage(ctx, ch, p.cfg.VerifyTimeout, MsgRekeyResponse)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no rekey_response within %v", ErrRekeyFailed, p.cfg.VerifyTimeout)
		}
		return err
	}

	var payload RekeyPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return err
	}

	return p.completeRekey(sessionID, stagedPub[:], payload.PublicKey)
}

// HandleRekey runs the responder side when a rekey message arrives:
// stage a local key pair, answer with its public key, and swap in the
// renegotiated symmetric key.
func (p *Protocol) HandleRekey(ctx context.Context, ch ControlChannel, env *Envelope) error {
	var payload RekeyPayload
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	sessionID := env.SessionID
	stagedPub, err := p.sessions.Keys().StartSymmetricKeyRenegotiation(sessionID)
	if err != nil {
		return err
	}

	reply, err := NewEnvelope(MsgRekeyResponse, sessionID, &RekeyPayload{PublicKey: stagedPub[:]})
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, reply); err != nil {
		return fmt.Errorf("failed to send rekey_response: %w", err)
	}

	return p.completeRekey(sessionID, stagedPub[:], payload.PublicKey)
}

// completeRekey derives the renegotiated key from the staged pairs.
// The same order-independent salt construction as the handshake makes
// both sides agree regardless of who initiated the rekey.
func (p *Protocol) completeRekey(sessionID string, localStagedPub, peerStagedPub []byte) error {
	if err := session.ValidatePeerKey(peerStagedPub); err != nil {
		return err
	}

	keys := p.sessions.Keys()
	stagedPriv, err := keys.StagedPrivateKey(sessionID)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(stagedPriv)

	secret, err := crypto.ComputeSharedSecret(stagedPriv, peerStagedPub)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(secret)

	salt := crypto.SessionSalt(sessionID, localStagedPub, peerStagedPub)
	if err := keys.CompleteSymmetricKeyRenegotiation(sessionID, secret, crypto.SessionInfo(sessionID), salt); err != nil {
		return fmt.Errorf("%w: %v", ErrRekeyFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "completeRekey",
		"session_id": sessionID,
	}).Info("Symmetric key renegotiated with peer")

	return nil
}

// EnableAutoRekey subscribes to key rotation events and drives a
// renegotiation round trip with the peer whenever the session's
// ephemeral pair rotates. The returned function unsubscribes; callers
// must invoke it when the channel closes. The renegotiation reads the
// channel's inbound stream, so rotation must only be triggered while
// no other reader is draining the channel.
func (p *Protocol) EnableAutoRekey(ctx context.Context, ch ControlChannel, sessionID string) func() {
	return p.sessions.Keys().RegisterRotationObserver(func(ev crypto.RotationEvent) {
		if ev.SessionID != sessionID || ev.Kind != crypto.RotationKeyPair {
			return
		}
		go func() {
			if err := p.InitiateRekey(ctx, ch, sessionID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "EnableAutoRekey",
					"session_id": sessionID,
					"error":      err.Error(),
				}).Warn("Automatic renegotiation after rotation failed")
			}
		}()
	})
}
