package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/handshake"
	"github.com/airlink-dev/airlink/session"
	"github.com/airlink-dev/airlink/transport"
)

func newTestReceiver(t *testing.T) (*Receiver, string) {
	t.Helper()
	keys := crypto.NewKeyManager(crypto.DefaultRotationPolicy())
	t.Cleanup(keys.EndAllSessions)
	sessions := session.NewManager(keys, session.DefaultConfig())
	dir := t.TempDir()
	return NewReceiver(sessions, "recv-session", dir), dir
}

func mustEnvelope(t *testing.T, msgType handshake.MessageType, payload any) *handshake.Envelope {
	t.Helper()
	env, err := handshake.NewEnvelope(msgType, "recv-session", payload)
	require.NoError(t, err)
	return env
}

func sendFileEnvelopes(t *testing.T, r *Receiver, name string, content []byte, checksum []byte) error {
	t.Helper()
	ctx := context.Background()
	sum := checksum
	if sum == nil {
		digest := crypto.Checksum(content)
		sum = digest[:]
	}
	meta := handshake.FileMetaPayload{
		FileID:   name + "-id",
		Name:     name,
		Size:     uint64(len(content)),
		Checksum: sum,
	}
	if err := r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileMeta, meta)); err != nil {
		return err
	}
	chunk := handshake.FileChunkPayload{
		FileID: meta.FileID,
		Offset: 0,
		Size:   uint32(len(content)),
		Data:   content,
	}
	if err := r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileChunk, chunk)); err != nil {
		return err
	}
	return r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileEnd, handshake.FileEndPayload{FileID: meta.FileID}))
}

func TestReceiverOutOfOrderChunks(t *testing.T) {
	t.Parallel()

	r, dir := newTestReceiver(t)
	ctx := context.Background()

	content := make([]byte, 1000)
	_, err := rand.Read(content)
	require.NoError(t, err)
	digest := crypto.Checksum(content)

	meta := handshake.FileMetaPayload{
		FileID:   "f1",
		Name:     "data.bin",
		Size:     uint64(len(content)),
		Checksum: digest[:],
	}
	require.NoError(t, r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileMeta, meta)))

	// Deliver the second half before the first.
	for _, span := range [][2]int{{500, 1000}, {0, 500}} {
		chunk := handshake.FileChunkPayload{
			FileID: "f1",
			Offset: uint64(span[0]),
			Size:   uint32(span[1] - span[0]),
			Data:   content[span[0]:span[1]],
		}
		require.NoError(t, r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileChunk, chunk)))
	}
	require.NoError(t, r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileEnd, handshake.FileEndPayload{FileID: "f1"})))

	written, err := os.ReadFile(filepath.Join(dir, "data.bin"))
	require.NoError(t, err)
	if !bytes.Equal(written, content) {
		t.Fatal("reconstructed file differs from source")
	}
	completed, failed := r.Summary()
	assert.Equal(t, []string{"data.bin"}, completed)
	assert.Empty(t, failed)
}

func TestReceiverChecksumMismatch(t *testing.T) {
	t.Parallel()

	r, _ := newTestReceiver(t)
	wrong := crypto.Checksum([]byte("something else entirely"))

	err := sendFileEnvelopes(t, r, "bad.bin", []byte("actual content"), wrong[:])
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
	completed, failed := r.Summary()
	assert.Empty(t, completed)
	assert.Equal(t, []string{"bad.bin"}, failed)
}

func TestReceiverCompressedChunk(t *testing.T) {
	t.Parallel()

	r, dir := newTestReceiver(t)
	ctx := context.Background()

	content := bytes.Repeat([]byte("compressible text "), 200)
	digest := crypto.Checksum(content)
	packed, compressed := compressChunk(content)
	require.True(t, compressed, "repetitive content should compress")

	meta := handshake.FileMetaPayload{FileID: "c1", Name: "notes.txt", Size: uint64(len(content)), Checksum: digest[:]}
	require.NoError(t, r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileMeta, meta)))
	chunk := handshake.FileChunkPayload{
		FileID:     "c1",
		Offset:     0,
		Size:       uint32(len(content)),
		Data:       packed,
		Compressed: true,
	}
	require.NoError(t, r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileChunk, chunk)))
	require.NoError(t, r.HandleMessage(ctx, mustEnvelope(t, handshake.MsgFileEnd, handshake.FileEndPayload{FileID: "c1"})))

	written, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestReceiverRejectsChunkForUnknownFile(t *testing.T) {
	t.Parallel()

	r, _ := newTestReceiver(t)
	chunk := handshake.FileChunkPayload{FileID: "ghost", Data: []byte("x"), Size: 1}
	err := r.HandleMessage(context.Background(), mustEnvelope(t, handshake.MsgFileChunk, chunk))
	if !errors.Is(err, ErrUnknownFile) {
		t.Fatalf("expected ErrUnknownFile, got %v", err)
	}
}

func TestValidateDestination(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := []struct {
		name    string
		file    string
		wantErr bool
	}{
		{"plain name", "photo.jpg", false},
		{"parent traversal", "../escape.txt", true},
		{"nested traversal", "a/../../escape.txt", true},
		{"absolute path", "/etc/passwd", true},
		{"subdirectory", "sub/child.txt", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path, err := ValidateDestination(dir, tc.file)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, tc.file), path)
		})
	}
}

func TestReceiverAcknowledgesChunks(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderT, recvT := transport.NewMemoryPair(transport.Capabilities{Stream: true})
	defer senderT.Close()
	defer recvT.Close()

	senderCh, err := handshake.NewTransportChannel(ctx, senderT, "tok")
	require.NoError(t, err)
	recvCh, err := handshake.NewTransportChannel(ctx, recvT, "tok")
	require.NoError(t, err)

	r, _ := newTestReceiver(t)
	go func() { _ = r.Run(ctx, recvCh) }()

	content := []byte("acknowledged content")
	digest := crypto.Checksum(content)
	meta := handshake.FileMetaPayload{FileID: "a1", Name: "ack.txt", Size: uint64(len(content)), Checksum: digest[:]}
	require.NoError(t, senderCh.SendMessage(ctx, mustEnvelope(t, handshake.MsgFileMeta, meta)))
	chunk := handshake.FileChunkPayload{FileID: "a1", Offset: 0, Size: uint32(len(content)), Data: content}
	require.NoError(t, senderCh.SendMessage(ctx, mustEnvelope(t, handshake.MsgFileChunk, chunk)))

	ackCtx, ackCancel := context.WithTimeout(ctx, 5*time.Second)
	defer ackCancel()
	env, err := senderCh.ReceiveMessage(ackCtx)
	require.NoError(t, err)
	require.Equal(t, handshake.MsgFileAck, env.Type)

	var ack handshake.FileAckPayload
	require.NoError(t, env.DecodePayload(&ack))
	assert.Equal(t, "a1", ack.FileID)
	assert.Equal(t, uint64(len(content)), ack.Bytes)
}

func TestReceiverAnswersPeerRekey(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderT, recvT := transport.NewMemoryPair(transport.Capabilities{Stream: true})
	defer senderT.Close()
	defer recvT.Close()

	senderKeys := crypto.NewKeyManager(crypto.DefaultRotationPolicy())
	t.Cleanup(senderKeys.EndAllSessions)
	senderSessions := session.NewManager(senderKeys, session.DefaultConfig())
	senderProtocol := handshake.NewProtocol(senderSessions, handshake.DefaultConfig())

	recvKeys := crypto.NewKeyManager(crypto.DefaultRotationPolicy())
	t.Cleanup(recvKeys.EndAllSessions)
	recvSessions := session.NewManager(recvKeys, session.DefaultConfig())
	recvProtocol := handshake.NewProtocol(recvSessions, handshake.DefaultConfig())

	destDir := t.TempDir()
	ready := make(chan struct{})
	go func() {
		ch, err := handshake.NewTransportChannel(ctx, recvT, "tok")
		if err != nil {
			return
		}
		sid, err := recvProtocol.Respond(ctx, ch, "sender-device")
		if err != nil {
			return
		}
		r := NewReceiver(recvSessions, sid, destDir)
		r.AttachProtocol(recvProtocol)
		close(ready)
		_ = r.Run(ctx, ch)
	}()

	sess, err := senderSessions.CreateSession("peer")
	require.NoError(t, err)
	senderCh, err := handshake.NewTransportChannel(ctx, senderT, "tok")
	require.NoError(t, err)
	require.NoError(t, senderProtocol.Initiate(ctx, senderCh, sess.ID))

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("responder never completed handshake")
	}

	oldKey, ok := senderSessions.Keys().SymmetricKey(sess.ID)
	require.True(t, ok)

	// The receive loop must answer the renegotiation while running.
	require.NoError(t, senderProtocol.InitiateRekey(ctx, senderCh, sess.ID))

	require.Eventually(t, func() bool {
		keyA, okA := senderSessions.Keys().SymmetricKey(sess.ID)
		keyB, okB := recvSessions.Keys().SymmetricKey(sess.ID)
		return okA && okB && bytes.Equal(keyA, keyB) && !bytes.Equal(oldKey, keyA)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReceiverBatchIsolatesChecksumFailure(t *testing.T) {
	t.Parallel()

	r, dir := newTestReceiver(t)

	var mu sync.Mutex
	terminal := make(map[string]ProgressStatus)
	r.OnProgress(func(p TransferProgress) {
		if p.Status == ProgressInProgress {
			return
		}
		mu.Lock()
		terminal[p.FileName] = p.Status
		mu.Unlock()
	})

	wrong := crypto.Checksum([]byte("tampered"))
	require.NoError(t, sendFileEnvelopes(t, r, "one.txt", []byte("first file"), nil))
	err := sendFileEnvelopes(t, r, "two.txt", []byte("second file"), wrong[:])
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.NoError(t, sendFileEnvelopes(t, r, "three.txt", []byte("third file"), nil))

	completed, failed := r.Summary()
	assert.Equal(t, []string{"one.txt", "three.txt"}, completed)
	assert.Equal(t, []string{"two.txt"}, failed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ProgressCompleted, terminal["one.txt"])
	assert.Equal(t, ProgressFailed, terminal["two.txt"])
	assert.Equal(t, ProgressCompleted, terminal["three.txt"])

	for _, name := range []string{"one.txt", "three.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}
