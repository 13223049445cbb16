package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/airlink-dev/airlink/crypto"
	"github.com/airlink-dev/airlink/handshake"
	"github.com/airlink-dev/airlink/limits"
	"github.com/airlink-dev/airlink/session"
)

// ErrDirectoryTraversal indicates a file name that would escape the
// destination directory.
var ErrDirectoryTraversal = errors.New("file name contains directory traversal")

// ErrUnknownFile indicates a chunk or end message for a file that was
// never announced with file_meta.
var ErrUnknownFile = errors.New("chunk references unknown file")

// fileReceiveState tracks one incoming file between file_meta and
// file_end. Chunks carry explicit offsets, so they may arrive out of
// order; writtenBytes counts payload bytes regardless of order.
type fileReceiveState struct {
	fileID       string
	name         string
	path         string
	expected     uint64
	checksum     []byte
	writtenBytes uint64
	handle       *os.File
	startedAt    time.Time
	monitor      *progressMonitor
}

// Receiver applies incoming file messages to disk: it creates files
// on file_meta, writes chunks at their offsets, and verifies the
// announced checksum on file_end. Failed files are recorded without
// aborting the rest of the batch.
type Receiver struct {
	sessions *session.Manager
	secureID string
	destDir  string

	mu        sync.Mutex
	states    map[string]*fileReceiveState
	completed []string
	failed    []string

	progressCb func(TransferProgress)
	protocol   *handshake.Protocol
}

// NewReceiver builds a receiver writing files under destDir for one
// verified secure session.
func NewReceiver(sessions *session.Manager, secureID, destDir string) *Receiver {
	return &Receiver{
		sessions: sessions,
		secureID: secureID,
		destDir:  destDir,
		states:   make(map[string]*fileReceiveState),
	}
}

// OnProgress registers the per-file progress callback.
func (r *Receiver) OnProgress(cb func(TransferProgress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressCb = cb
}

// AttachProtocol enables peer-initiated symmetric key renegotiation:
// rekey messages arriving on the receive loop are answered through p.
func (r *Receiver) AttachProtocol(p *handshake.Protocol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocol = p
}

// ValidateDestination rejects names that resolve outside the
// destination directory.
func ValidateDestination(destDir, name string) (string, error) {
	if err := limits.ValidateFileName(name); err != nil {
		return "", err
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", ErrDirectoryTraversal
	}
	path := filepath.Join(destDir, cleaned)
	if !strings.HasPrefix(path, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", ErrDirectoryTraversal
	}
	return path, nil
}

// HandleMessage dispatches one incoming control message. Unknown
// message types are ignored so the control channel can interleave
// non-file traffic.
func (r *Receiver) HandleMessage(ctx context.Context, env *handshake.Envelope) error {
	switch env.Type {
	case handshake.MsgFileMeta:
		return r.handleMeta(env)
	case handshake.MsgFileChunk:
		return r.handleChunk(env)
	case handshake.MsgFileEnd:
		return r.handleEnd(env)
	default:
		return nil
	}
}

// Run consumes messages from the channel until the context ends or
// the channel closes. Per-file errors are recorded and do not stop
// the loop.
func (r *Receiver) Run(ctx context.Context, ch handshake.ControlChannel) error {
	for {
		env, err := ch.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, handshake.ErrChannelClosed) {
				return nil
			}
			return err
		}
		if env.Type == handshake.MsgRekey {
			r.mu.Lock()
			p := r.protocol
			r.mu.Unlock()
			if p == nil {
				continue
			}
			if err := p.HandleRekey(ctx, ch, env); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Warn("Peer renegotiation failed")
			}
			continue
		}
		if err := r.HandleMessage(ctx, env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"type":     env.Type,
				"error":    err,
			}).Warn("failed to process file message")
			continue
		}
		if env.Type == handshake.MsgFileChunk {
			r.sendAck(ctx, ch, env)
		}
	}
}

// sendAck reports cumulative written bytes back to the sender after a
// chunk lands. Ack failures are logged, not fatal: acks are advisory
// flow bookkeeping.
func (r *Receiver) sendAck(ctx context.Context, ch handshake.ControlChannel, env *handshake.Envelope) {
	var chunk handshake.FileChunkPayload
	if err := env.DecodePayload(&chunk); err != nil {
		return
	}
	r.mu.Lock()
	state, ok := r.states[chunk.FileID]
	var written uint64
	if ok {
		written = state.writtenBytes
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ack, err := handshake.NewEnvelope(handshake.MsgFileAck, env.SessionID, handshake.FileAckPayload{
		FileID: chunk.FileID,
		Bytes:  written,
	})
	if err != nil {
		return
	}
	if err := ch.SendMessage(ctx, ack); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendAck",
			"file_id":  chunk.FileID,
			"error":    err,
		}).Warn("failed to send chunk acknowledgement")
	}
}

// Summary returns the names of files that completed and files that
// failed, in arrival order.
func (r *Receiver) Summary() (completed, failed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.completed...), append([]string(nil), r.failed...)
}

func (r *Receiver) handleMeta(env *handshake.Envelope) error {
	var meta handshake.FileMetaPayload
	if err := env.DecodePayload(&meta); err != nil {
		return err
	}
	path, err := ValidateDestination(r.destDir, meta.Name)
	if err != nil {
		r.recordFailure(meta.FileID, meta.Name, err)
		return err
	}
	handle, err := os.Create(path)
	if err != nil {
		r.recordFailure(meta.FileID, meta.Name, err)
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	state := &fileReceiveState{
		fileID:    meta.FileID,
		name:      meta.Name,
		path:      path,
		expected:  meta.Size,
		checksum:  meta.Checksum,
		handle:    handle,
		startedAt: time.Now(),
	}
	state.monitor = newProgressMonitor(env.SessionID, TransferFile{
		ID:   meta.FileID,
		Name: meta.Name,
		Size: meta.Size,
	}, r.emitProgress)
	r.mu.Lock()
	// A repeated file_meta means the sender restarted the file.
	if prev, ok := r.states[meta.FileID]; ok {
		prev.handle.Close()
	}
	r.states[meta.FileID] = state
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleMeta",
		"file_id":  meta.FileID,
		"name":     meta.Name,
		"size":     meta.Size,
	}).Info("incoming file announced")
	return nil
}

func (r *Receiver) handleChunk(env *handshake.Envelope) error {
	var chunk handshake.FileChunkPayload
	if err := env.DecodePayload(&chunk); err != nil {
		return err
	}
	r.mu.Lock()
	state, ok := r.states[chunk.FileID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, chunk.FileID)
	}

	data := chunk.Data
	if chunk.Encrypted {
		if len(data) < crypto.NonceSize {
			return fmt.Errorf("encrypted chunk shorter than nonce")
		}
		plaintext, err := r.sessions.Decrypt(r.secureID, nil, data[:crypto.NonceSize], data[crypto.NonceSize:])
		if err != nil {
			r.failFile(state, err)
			return fmt.Errorf("failed to decrypt chunk: %w", err)
		}
		data = plaintext
	}
	if chunk.Compressed {
		plain, err := decompressChunk(data)
		if err != nil {
			r.failFile(state, err)
			return err
		}
		data = plain
	}
	if err := limits.ValidateChunk(data); err != nil {
		r.failFile(state, err)
		return err
	}
	if uint64(len(data)) != uint64(chunk.Size) {
		err := fmt.Errorf("chunk size mismatch: header %d, payload %d", chunk.Size, len(data))
		r.failFile(state, err)
		return err
	}

	if _, err := state.handle.WriteAt(data, int64(chunk.Offset)); err != nil {
		r.failFile(state, err)
		return fmt.Errorf("failed to write chunk at offset %d: %w", chunk.Offset, err)
	}
	state.writtenBytes += uint64(len(data))
	state.monitor.record(state.writtenBytes)
	return nil
}

func (r *Receiver) handleEnd(env *handshake.Envelope) error {
	var end handshake.FileEndPayload
	if err := env.DecodePayload(&end); err != nil {
		return err
	}
	r.mu.Lock()
	state, ok := r.states[end.FileID]
	delete(r.states, end.FileID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, end.FileID)
	}
	if err := state.handle.Close(); err != nil {
		r.finishFile(state, err)
		return fmt.Errorf("failed to close destination file: %w", err)
	}

	if len(state.checksum) > 0 {
		valid, err := VerifyFileChecksum(state.path, state.checksum)
		if err != nil {
			r.finishFile(state, err)
			return err
		}
		if !valid {
			err := fmt.Errorf("%w: %s", ErrChecksumMismatch, state.name)
			r.finishFile(state, err)
			return err
		}
	}
	r.finishFile(state, nil)
	logrus.WithFields(logrus.Fields{
		"function": "handleEnd",
		"file_id":  state.fileID,
		"name":     state.name,
		"bytes":    state.writtenBytes,
	}).Info("file received and verified")
	return nil
}

// failFile marks a file failed mid-stream and drops its state so
// later chunks for it are rejected.
func (r *Receiver) failFile(state *fileReceiveState, cause error) {
	r.mu.Lock()
	delete(r.states, state.fileID)
	r.mu.Unlock()
	state.handle.Close()
	os.Remove(state.path)
	r.finishFile(state, cause)
}

func (r *Receiver) finishFile(state *fileReceiveState, cause error) {
	r.mu.Lock()
	if cause != nil {
		r.failed = append(r.failed, state.name)
	} else {
		r.completed = append(r.completed, state.name)
	}
	r.mu.Unlock()
	if cause != nil {
		state.monitor.finish(ProgressFailed, cause.Error())
	} else {
		state.monitor.finish(ProgressCompleted, "")
	}
}

func (r *Receiver) recordFailure(fileID, name string, cause error) {
	r.mu.Lock()
	r.failed = append(r.failed, name)
	r.mu.Unlock()
	r.emitProgress(TransferProgress{
		FileID:       fileID,
		FileName:     name,
		Status:       ProgressFailed,
		StartedAt:    time.Now(),
		ErrorMessage: cause.Error(),
	})
}

func (r *Receiver) emitProgress(p TransferProgress) {
	r.mu.Lock()
	cb := r.progressCb
	r.mu.Unlock()
	if cb != nil {
		cb(p)
	}
}
