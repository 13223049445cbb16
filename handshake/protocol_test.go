package handshake

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/session"
)

func newProtocol(cfg Config) (*Protocol, *session.Manager) {
	sessions := session.NewManager(crypto.NewKeyManager(crypto.DefaultRotationPolicy()), session.DefaultConfig())
	return NewProtocol(sessions, cfg), sessions
}

// runHandshake completes a full initiator/responder exchange over an
// in-memory channel pair and returns both protocols plus the session
// ID.
func runHandshake(t *testing.T) (*Protocol, *Protocol, *pipeChannel, *pipeChannel, string) {
	t.Helper()

	initiator, initiatorSessions := newProtocol(DefaultConfig())
	responder, _ := newProtocol(DefaultConfig())

	sess, err := initiatorSessions.CreateSession("peer-device")
	require.NoError(t, err)

	chA, chB := newChannelPair()

	errCh := make(chan error, 1)
	go func() {
		_, err := responder.Respond(context.Background(), chB, "initiator-device")
		errCh <- err
	}()

	require.NoError(t, initiator.Initiate(context.Background(), chA, sess.ID))
	require.NoError(t, <-errCh)

	return initiator, responder, chA, chB, sess.ID
}

func TestHandshakeDerivesSameKeyBothSides(t *testing.T) {
	t.Parallel()

	initiator, responder, _, _, sessionID := runHandshake(t)

	keyA, okA := initiator.sessions.Keys().SymmetricKey(sessionID)
	keyB, okB := responder.sessions.Keys().SymmetricKey(sessionID)
	require.True(t, okA)
	require.True(t, okB)
	assert.True(t, bytes.Equal(keyA, keyB), "peers derived different session keys")

	assert.True(t, initiator.sessions.IsReady(sessionID))
	assert.True(t, responder.sessions.IsReady(sessionID))
}

func TestHandshakeTrafficAfterCompletion(t *testing.T) {
	t.Parallel()

	initiator, responder, _, _, sessionID := runHandshake(t)

	ciphertext, nonce, err := initiator.sessions.Encrypt(sessionID, nil, []byte("post-handshake traffic"))
	require.NoError(t, err)

	plaintext, err := responder.sessions.Decrypt(sessionID, nil, nonce[:], ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("post-handshake traffic"), plaintext)
}

func TestInitiateTimesOut(t *testing.T) {
	t.Parallel()

	initiator, sessions := newProtocol(Config{
		HandshakeTimeout: 50 * time.Millisecond,
		VerifyTimeout:    50 * time.Millisecond,
	})
	sess, err := sessions.CreateSession("peer-device")
	require.NoError(t, err)

	err = initiator.Initiate(context.Background(), silentChannel{}, sess.ID)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestRespondRejectsInvalidPeerKey(t *testing.T) {
	t.Parallel()

	responder, _ := newProtocol(DefaultConfig())
	chA, chB := newChannelPair()

	env, err := NewEnvelope(MsgHandshake, "bad-session", &HandshakePayload{PublicKey: make([]byte, 32)})
	require.NoError(t, err)
	require.NoError(t, chA.SendMessage(context.Background(), env))

	_, err = responder.Respond(context.Background(), chB, "initiator-device")
	assert.ErrorIs(t, err, session.ErrInvalidPeerKey)
}

func TestRespondRejectsShortPeerKey(t *testing.T) {
	t.Parallel()

	responder, _ := newProtocol(DefaultConfig())
	chA, chB := newChannelPair()

	env, err := NewEnvelope(MsgHandshake, "bad-session", &HandshakePayload{PublicKey: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.NoError(t, chA.SendMessage(context.Background(), env))

	_, err = responder.Respond(context.Background(), chB, "initiator-device")
	assert.ErrorIs(t, err, session.ErrInvalidPeerKey)
}

func TestVerifyFailSurfaces(t *testing.T) {
	t.Parallel()

	initiator, sessions := newProtocol(DefaultConfig())
	sess, err := sessions.CreateSession("peer-device")
	require.NoError(t, err)

	chA, chB := newChannelPair()

	// Fake responder: answers the handshake honestly but rejects the
	// challenge.
	go func() {
		ctx := context.Background()
		first, _ := chB.ReceiveMessage(ctx)

		peer, _ := crypto.GenerateKeyPair()
		reply, _ := NewEnvelope(MsgHandshakeResponse, first.SessionID, &HandshakePayload{PublicKey: peer.Public[:]})
		_ = chB.SendMessage(ctx, reply)

		_, _ = chB.ReceiveMessage(ctx) // verify
		fail, _ := NewEnvelope(MsgVerifyFail, first.SessionID, nil)
		_ = chB.SendMessage(ctx, fail)
	}()

	err = initiator.Initiate(context.Background(), chA, sess.ID)
	assert.ErrorIs(t, err, ErrVerifyFailed)
}

func TestAutoRekeyAfterRotation(t *testing.T) {
	t.Parallel()

	initiator, responder, chA, chB, sessionID := runHandshake(t)

	oldKey, ok := initiator.sessions.Keys().SymmetricKey(sessionID)
	require.True(t, ok)

	stop := initiator.EnableAutoRekey(context.Background(), chA, sessionID)
	defer stop()

	respCtx, respCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer respCancel()
	respDone := make(chan error, 1)
	go func() {
		env, err := chB.ReceiveMessage(respCtx)
		if err != nil {
			respDone <- err
			return
		}
		respDone <- responder.HandleRekey(respCtx, chB, env)
	}()

	// Rotating the ephemeral pair must drive a renegotiation round
	// trip with the peer.
	require.NoError(t, initiator.sessions.Keys().RotateSessionKey(sessionID))
	require.NoError(t, <-respDone)

	require.Eventually(t, func() bool {
		keyA, okA := initiator.sessions.Keys().SymmetricKey(sessionID)
		keyB, okB := responder.sessions.Keys().SymmetricKey(sessionID)
		return okA && okB && bytes.Equal(keyA, keyB) && !bytes.Equal(oldKey, keyA)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRekeyRoundTrip(t *testing.T) {
	t.Parallel()

	initiator, responder, chA, chB, sessionID := runHandshake(t)

	oldKey, ok := initiator.sessions.Keys().SymmetricKey(sessionID)
	require.True(t, ok)

	errCh := make(chan error, 1)
	go func() {
		env, err := chB.ReceiveMessage(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		errCh <- responder.HandleRekey(context.Background(), chB, env)
	}()

	require.NoError(t, initiator.InitiateRekey(context.Background(), chA, sessionID))
	require.NoError(t, <-errCh)

	keyA, okA := initiator.sessions.Keys().SymmetricKey(sessionID)
	keyB, okB := responder.sessions.Keys().SymmetricKey(sessionID)
	require.True(t, okA)
	require.True(t, okB)

	assert.True(t, bytes.Equal(keyA, keyB), "peers disagree after rekey")
	assert.False(t, bytes.Equal(oldKey, keyA), "rekey did not change the symmetric key")

	// Traffic continues under the new key.
	ciphertext, nonce, err := initiator.sessions.Encrypt(sessionID, nil, []byte("rekeyed"))
	require.NoError(t, err)
	plaintext, err := responder.sessions.Decrypt(sessionID, nil, nonce[:], ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("rekeyed"), plaintext)
}
