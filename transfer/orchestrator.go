package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/airlink-dev/airlink/handshake"
	"github.com/airlink-dev/airlink/limits"
	"github.com/airlink-dev/airlink/session"
	"github.com/airlink-dev/airlink/transport"
)

// Config holds orchestrator tunables.
type Config struct {
	// MaxConcurrentSessions caps simultaneously active sessions.
	MaxConcurrentSessions int
	// DeviceRateLimit and DeviceRateWindow bound session starts per
	// target device.
	DeviceRateLimit  int
	DeviceRateWindow time.Duration
	// GlobalRateLimit and GlobalRateWindow bound session starts
	// across all devices.
	GlobalRateLimit  int
	GlobalRateWindow time.Duration
	// ChunkSize is the read size for outgoing file chunks.
	ChunkSize int
	// StallTimeout aborts a file when no byte progress occurs for
	// this long.
	StallTimeout time.Duration
	// RetryAttempts and RetryBackoff govern per-file retries of
	// transient failures.
	RetryAttempts int
	RetryBackoff  time.Duration
	// StatusDebounce coalesces rapid status updates.
	StatusDebounce time.Duration
	// EnableCompression compresses chunks of compressible mime types.
	EnableCompression bool
	// MaxHistory bounds the terminal-session history list.
	MaxHistory int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 3,
		DeviceRateLimit:       10,
		DeviceRateWindow:      time.Minute,
		GlobalRateLimit:       60,
		GlobalRateWindow:      time.Minute,
		ChunkSize:             65536,
		StallTimeout:          DefaultStallTimeout,
		RetryAttempts:         3,
		RetryBackoff:          2 * time.Second,
		StatusDebounce:        DefaultStatusDebounce,
		EnableCompression:     true,
		MaxHistory:            100,
	}
}

type activeSession struct {
	session  *TransferSession
	debounce *statusDebouncer
	secureID string
	token    string
	cancel   context.CancelFunc
	release  sync.Once
}

// Orchestrator runs transfer sessions end to end: rate limiting,
// connection resolution, handshake, sequential file sending with
// per-file failure isolation, and progress/queue event emission.
type Orchestrator struct {
	cfg       Config
	sessions  *session.Manager
	protocol  *handshake.Protocol
	transport transport.Transport
	discovery Discovery

	deviceLimiter *limits.WindowLimiter
	globalLimiter *limits.WindowLimiter
	guard         *limits.ConcurrencyGuard

	mu       sync.Mutex
	active   map[string]*activeSession
	history  []*TransferSession
	monitors map[string]*progressMonitor

	nextTransportID uint32

	callbackMu     sync.Mutex
	progressCb     func(TransferProgress)
	queueCb        func(QueueProgress)
	statusChangeCb func(sessionID string, status TransferStatus)
}

// NewOrchestrator wires an orchestrator from its collaborators. It
// starts a goroutine forwarding the transport's native progress
// stream into per-file monitors.
func NewOrchestrator(sessions *session.Manager, protocol *handshake.Protocol, t transport.Transport, discovery Discovery, cfg Config) *Orchestrator {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 3
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > limits.MaxChunkSize {
		cfg.ChunkSize = 65536
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.DeviceRateLimit <= 0 {
		cfg.DeviceRateLimit = 10
	}
	if cfg.GlobalRateLimit <= 0 {
		cfg.GlobalRateLimit = 60
	}
	if cfg.DeviceRateWindow <= 0 {
		cfg.DeviceRateWindow = time.Minute
	}
	if cfg.GlobalRateWindow <= 0 {
		cfg.GlobalRateWindow = time.Minute
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	o := &Orchestrator{
		cfg:           cfg,
		sessions:      sessions,
		protocol:      protocol,
		transport:     t,
		discovery:     discovery,
		deviceLimiter: limits.NewWindowLimiter(cfg.DeviceRateLimit, cfg.DeviceRateWindow),
		globalLimiter: limits.NewWindowLimiter(cfg.GlobalRateLimit, cfg.GlobalRateWindow),
		guard:         limits.NewConcurrencyGuard(cfg.MaxConcurrentSessions),
		active:        make(map[string]*activeSession),
		monitors:      make(map[string]*progressMonitor),
	}
	go o.pumpNativeProgress()
	return o
}

// OnProgress registers the per-file progress callback.
func (o *Orchestrator) OnProgress(cb func(TransferProgress)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.progressCb = cb
}

// OnQueueProgress registers the per-batch progress callback.
func (o *Orchestrator) OnQueueProgress(cb func(QueueProgress)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.queueCb = cb
}

// OnStatusChange registers the session status callback. Statuses are
// delivered after debouncing.
func (o *Orchestrator) OnStatusChange(cb func(sessionID string, status TransferStatus)) {
	o.callbackMu.Lock()
	defer o.callbackMu.Unlock()
	o.statusChangeCb = cb
}

// StartSession validates rate limits and the concurrency ceiling,
// then registers a new pending session for the batch. The checks run
// in order: device limit, global limit, concurrency. The first
// violated limit determines the rejection.
func (o *Orchestrator) StartSession(targetDeviceID string, files []TransferFile) (*TransferSession, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	for _, f := range files {
		if err := limits.ValidateFileName(f.Name); err != nil {
			return nil, fmt.Errorf("invalid file %q: %w", f.Name, err)
		}
	}

	if d := o.deviceLimiter.Check(targetDeviceID); !d.Allowed {
		return nil, &RateLimitError{Scope: RateLimitDevice, RetryAfter: d.RetryAfter}
	}
	if d := o.globalLimiter.Check("global"); !d.Allowed {
		o.deviceLimiter.Release(targetDeviceID)
		return nil, &RateLimitError{Scope: RateLimitGlobal, RetryAfter: d.RetryAfter}
	}
	if !o.guard.Acquire() {
		o.deviceLimiter.Release(targetDeviceID)
		o.globalLimiter.Release("global")
		return nil, ErrTooManySessions
	}

	sess := &TransferSession{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TargetDeviceID: targetDeviceID,
		Files:          append([]TransferFile(nil), files...),
		Status:         StatusPending,
		Direction:      DirectionOutgoing,
		CreatedAt:      time.Now(),
		TransportID:    atomic.AddUint32(&o.nextTransportID, 1),
	}
	as := &activeSession{session: sess}
	as.debounce = newStatusDebouncer(o.cfg.StatusDebounce, func(status TransferStatus) {
		o.commitStatus(as, status)
	})

	o.mu.Lock()
	o.active[sess.ID] = as
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "StartSession",
		"session_id": sess.ID,
		"device_id":  targetDeviceID,
		"files":      len(files),
	}).Info("transfer session created")
	return o.snapshot(sess), nil
}

// SendFiles drives a pending session to completion: resolve
// connection info, run the handshake, then send each file in order.
// A failing file is recorded but does not abort its siblings; if any
// file failed the session ends failed with the failed names listed.
func (o *Orchestrator) SendFiles(ctx context.Context, sessionID string) error {
	as, err := o.lookupActive(sessionID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	as.cancel = cancel
	o.mu.Unlock()

	err = o.runSendSession(ctx, as)
	if err != nil && !o.isCancelled(as) {
		o.failSession(as, err.Error())
	}
	return err
}

func (o *Orchestrator) runSendSession(ctx context.Context, as *activeSession) error {
	sess := as.session

	info, err := o.discovery.GetConnectionInfo(sess.TargetDeviceID)
	if err != nil {
		return fmt.Errorf("failed to resolve connection info for %s: %w", sess.TargetDeviceID, err)
	}
	if info.Token == "" {
		return ErrMissingConnectionToken
	}
	o.mu.Lock()
	as.token = info.Token
	sess.ConnectionMethod = info.Method
	o.mu.Unlock()

	as.debounce.Set(StatusConnecting)

	sec, err := o.sessions.CreateSession(sess.TargetDeviceID)
	if err != nil {
		return fmt.Errorf("failed to create secure session: %w", err)
	}
	o.mu.Lock()
	as.secureID = sec.ID
	o.mu.Unlock()

	ch, err := handshake.NewTransportChannel(ctx, o.transport, info.Token)
	if err != nil {
		return fmt.Errorf("failed to open control channel: %w", err)
	}

	as.debounce.Set(StatusHandshaking)
	if err := o.protocol.Initiate(ctx, ch, sec.ID); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if err := o.sessions.HandOffKey(ctx, sec.ID, info.Token, o.transport); err != nil {
		return fmt.Errorf("key hand-off failed: %w", err)
	}
	offloaded := o.transport.Capabilities().EncryptionOffload

	as.debounce.Set(StatusTransferring)

	ackCtx, stopAcks := context.WithCancel(ctx)
	defer stopAcks()
	stopRekey := o.protocol.EnableAutoRekey(ackCtx, ch, sec.ID)
	defer stopRekey()
	go o.consumeAcks(ackCtx, ch)

	queue := QueueProgress{TransferID: sess.ID, TotalFiles: len(sess.Files)}
	for _, f := range sess.Files {
		queue.TotalBytes += f.Size
	}

	var failedNames []string
	for _, f := range sess.Files {
		if ctx.Err() != nil {
			break
		}
		if err := o.sendFileWithRetry(ctx, ch, as, f, !offloaded); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "runSendSession",
				"session_id": sess.ID,
				"file_id":    f.ID,
				"error":      err,
			}).Warn("file transfer failed")
			failedNames = append(failedNames, f.Name)
			queue.FailedFiles++
		} else {
			queue.CompletedFiles++
			queue.BytesTransferred += f.Size
		}
		o.emitQueue(queue)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(failedNames) > 0 {
		return fmt.Errorf("transfer finished with failed files: %s", strings.Join(failedNames, ", "))
	}
	as.debounce.Set(StatusCompleted)
	return nil
}

func (o *Orchestrator) sendFileWithRetry(ctx context.Context, ch *handshake.TransportChannel, as *activeSession, f TransferFile, encrypt bool) error {
	var err error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		err = o.sendFile(ctx, ch, as, f, encrypt)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if attempt < o.cfg.RetryAttempts {
			logrus.WithFields(logrus.Fields{
				"function": "sendFileWithRetry",
				"file_id":  f.ID,
				"attempt":  attempt,
				"error":    err,
			}).Warn("retrying file transfer")
			select {
			case <-time.After(o.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

func (o *Orchestrator) sendFile(ctx context.Context, ch *handshake.TransportChannel, as *activeSession, f TransferFile, encrypt bool) (err error) {
	mon := newProgressMonitor(as.session.ID, f, o.emitProgress)
	o.registerMonitor(f.ID, mon)
	defer o.unregisterMonitor(f.ID)
	defer func() {
		if err != nil {
			mon.finish(ProgressFailed, err.Error())
		}
	}()

	stallCtx, stopStall := context.WithCancel(ctx)
	defer stopStall()
	stallCh := make(chan error, 1)
	go func() { stallCh <- mon.watchStall(stallCtx, o.cfg.StallTimeout) }()

	checksum, err := FileChecksum(f.Path)
	if err != nil {
		return err
	}
	src, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	meta := handshake.FileMetaPayload{
		FileID:   f.ID,
		Name:     f.Name,
		Size:     f.Size,
		MimeType: f.MimeType,
		Checksum: checksum,
	}
	env, err := handshake.NewEnvelope(handshake.MsgFileMeta, as.secureID, meta)
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, env); err != nil {
		return fmt.Errorf("failed to send file metadata: %w", err)
	}

	compressible := o.cfg.EnableCompression && shouldCompress(f.MimeType)
	buf := make([]byte, o.cfg.ChunkSize)
	var offset uint64
	for {
		if err := o.waitWhilePaused(ctx, as, mon); err != nil {
			return err
		}
		select {
		case serr := <-stallCh:
			if serr != nil {
				return serr
			}
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			data := buf[:n]
			compressed := false
			if compressible {
				data, compressed = compressChunk(data)
			}
			encrypted := false
			if encrypt {
				ciphertext, nonce, encErr := o.sessions.Encrypt(as.secureID, nil, data)
				if encErr != nil {
					return fmt.Errorf("failed to encrypt chunk: %w", encErr)
				}
				data = append(nonce[:], ciphertext...)
				encrypted = true
			}
			chunk := handshake.FileChunkPayload{
				FileID:     f.ID,
				Offset:     offset,
				Size:       uint32(n),
				Data:       data,
				Compressed: compressed,
				Encrypted:  encrypted,
			}
			cenv, cerr := handshake.NewEnvelope(handshake.MsgFileChunk, as.secureID, chunk)
			if cerr != nil {
				return cerr
			}
			if err := ch.SendMessage(ctx, cenv); err != nil {
				return fmt.Errorf("failed to send chunk at offset %d: %w", offset, err)
			}
			offset += uint64(n)
			mon.record(offset)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read source file: %w", readErr)
		}
	}

	endEnv, err := handshake.NewEnvelope(handshake.MsgFileEnd, as.secureID, handshake.FileEndPayload{FileID: f.ID})
	if err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, endEnv); err != nil {
		return fmt.Errorf("failed to send file end: %w", err)
	}
	mon.finish(ProgressCompleted, "")
	return nil
}

// waitWhilePaused blocks while the session sits in paused or
// resuming, refreshing the stall clock so the pause does not count
// as a hung transport.
func (o *Orchestrator) waitWhilePaused(ctx context.Context, as *activeSession, mon *progressMonitor) error {
	for {
		o.mu.Lock()
		status := as.session.Status
		o.mu.Unlock()
		switch status {
		case StatusPaused, StatusResuming:
			mon.touch()
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		case StatusCancelled, StatusFailed:
			return ErrSessionNotActive
		default:
			return nil
		}
	}
}

// PauseTransfer delegates to the transport's native pause primitive
// and marks the session paused.
func (o *Orchestrator) PauseTransfer(sessionID string) error {
	as, err := o.lookupActive(sessionID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	status := as.session.Status
	transportID := as.session.TransportID
	o.mu.Unlock()
	if status != StatusTransferring {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidStatusTransition, status)
	}
	if err := o.transport.Pause(transportID); err != nil {
		return fmt.Errorf("transport pause failed: %w", err)
	}
	as.debounce.Set(StatusPaused)
	as.debounce.Flush()
	return nil
}

// ResumeTransfer delegates to the transport's native resume primitive
// and returns the session to transferring.
func (o *Orchestrator) ResumeTransfer(sessionID string) error {
	as, err := o.lookupActive(sessionID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	status := as.session.Status
	transportID := as.session.TransportID
	o.mu.Unlock()
	if status != StatusPaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidStatusTransition, status)
	}
	as.debounce.Set(StatusResuming)
	as.debounce.Flush()
	if err := o.transport.Resume(transportID); err != nil {
		o.failSession(as, fmt.Sprintf("transport resume failed: %v", err))
		return fmt.Errorf("transport resume failed: %w", err)
	}
	as.debounce.Set(StatusTransferring)
	as.debounce.Flush()
	return nil
}

// CancelTransfer cancels a live session: the transport's native
// cancel primitive runs, the send loop stops, and all per-session
// resources are released exactly once.
func (o *Orchestrator) CancelTransfer(sessionID string) error {
	as, err := o.lookupActive(sessionID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	transportID := as.session.TransportID
	cancel := as.cancel
	o.mu.Unlock()

	if err := o.transport.Cancel(transportID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "CancelTransfer",
			"session_id": sessionID,
			"error":      err,
		}).Warn("transport cancel failed")
	}
	// The cancelled status must land before the context fires, or the
	// send loop records the cancellation as a failure.
	as.debounce.Set(StatusCancelled)
	if cancel != nil {
		cancel()
	}
	return nil
}

// Session returns a snapshot of an active or historical session.
func (o *Orchestrator) Session(sessionID string) (*TransferSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if as, ok := o.active[sessionID]; ok {
		return o.snapshotLocked(as.session), nil
	}
	for _, sess := range o.history {
		if sess.ID == sessionID {
			return o.snapshotLocked(sess), nil
		}
	}
	return nil, ErrSessionNotFound
}

// ActiveSessions returns snapshots of all non-terminal sessions.
func (o *Orchestrator) ActiveSessions() []*TransferSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*TransferSession, 0, len(o.active))
	for _, as := range o.active {
		out = append(out, o.snapshotLocked(as.session))
	}
	return out
}

// History returns snapshots of terminal sessions, oldest first.
func (o *Orchestrator) History() []*TransferSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*TransferSession, 0, len(o.history))
	for _, sess := range o.history {
		out = append(out, o.snapshotLocked(sess))
	}
	return out
}

func (o *Orchestrator) lookupActive(sessionID string) (*activeSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	as, ok := o.active[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return as, nil
}

func (o *Orchestrator) isCancelled(as *activeSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return as.session.Status == StatusCancelled
}

func (o *Orchestrator) failSession(as *activeSession, msg string) {
	o.mu.Lock()
	if as.session.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	as.session.ErrorMessage = msg
	o.mu.Unlock()
	as.debounce.Set(StatusFailed)
}

// commitStatus applies a debounced status to the session. Debouncing
// can coalesce several forward steps into one commit, so the check is
// reachability through the transition table, not single-edge
// adjacency. Terminal statuses move the session to history and release
// its resources.
func (o *Orchestrator) commitStatus(as *activeSession, status TransferStatus) {
	o.mu.Lock()
	sess := as.session
	if sess.Status == status {
		o.mu.Unlock()
		return
	}
	if !sess.Status.CanAdvanceTo(status) {
		logrus.WithFields(logrus.Fields{
			"function":   "commitStatus",
			"session_id": sess.ID,
			"from":       sess.Status,
			"to":         status,
		}).Warn("rejected status transition")
		o.mu.Unlock()
		return
	}
	sess.Status = status
	if status.IsTerminal() {
		now := time.Now()
		sess.CompletedAt = &now
		delete(o.active, sess.ID)
		o.history = append(o.history, sess)
		if len(o.history) > o.cfg.MaxHistory {
			o.history = o.history[len(o.history)-o.cfg.MaxHistory:]
		}
	}
	o.mu.Unlock()

	if status.IsTerminal() {
		o.releaseSession(as)
	}
	o.callbackMu.Lock()
	cb := o.statusChangeCb
	o.callbackMu.Unlock()
	if cb != nil {
		cb(sess.ID, status)
	}
}

// releaseSession frees per-session resources. Runs at most once per
// session regardless of how the session ended.
func (o *Orchestrator) releaseSession(as *activeSession) {
	as.release.Do(func() {
		o.guard.Release()
		o.mu.Lock()
		secureID := as.secureID
		as.token = ""
		o.mu.Unlock()
		if secureID != "" {
			o.sessions.EndSession(secureID)
		}
		as.debounce.Close()
		logrus.WithFields(logrus.Fields{
			"function":   "releaseSession",
			"session_id": as.session.ID,
		}).Debug("session resources released")
	})
}

func (o *Orchestrator) registerMonitor(fileID string, mon *progressMonitor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.monitors[fileID] = mon
}

func (o *Orchestrator) unregisterMonitor(fileID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.monitors, fileID)
}

// consumeAcks reads inbound messages from the peer during a send
// session: chunk acknowledgements feed the file's monitor, and
// peer-initiated rekey requests are answered so renegotiation works
// mid-transfer. Acked bytes count as liveness for stall detection.
func (o *Orchestrator) consumeAcks(ctx context.Context, ch *handshake.TransportChannel) {
	for {
		env, err := ch.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		if env.Type == handshake.MsgRekey {
			if err := o.protocol.HandleRekey(ctx, ch, env); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "consumeAcks",
					"session_id": env.SessionID,
					"error":      err.Error(),
				}).Warn("Peer renegotiation failed")
			}
			continue
		}
		if env.Type != handshake.MsgFileAck {
			continue
		}
		var ack handshake.FileAckPayload
		if err := env.DecodePayload(&ack); err != nil {
			continue
		}
		o.mu.Lock()
		mon := o.monitors[ack.FileID]
		o.mu.Unlock()
		if mon != nil {
			mon.recordAck(ack.Bytes)
		}
	}
}

// pumpNativeProgress forwards transport progress updates into the
// monitor registered for each file. Transports that move bytes
// natively report through this path instead of the send loop.
func (o *Orchestrator) pumpNativeProgress() {
	updates := o.transport.ProgressUpdates()
	if updates == nil {
		return
	}
	for u := range updates {
		o.mu.Lock()
		mon := o.monitors[u.FileID]
		o.mu.Unlock()
		if mon != nil {
			mon.record(u.Bytes)
		}
	}
}

func (o *Orchestrator) emitProgress(p TransferProgress) {
	o.callbackMu.Lock()
	cb := o.progressCb
	o.callbackMu.Unlock()
	if cb != nil {
		cb(p)
	}
}

func (o *Orchestrator) emitQueue(q QueueProgress) {
	o.callbackMu.Lock()
	cb := o.queueCb
	o.callbackMu.Unlock()
	if cb != nil {
		cb(q)
	}
}

func (o *Orchestrator) snapshot(sess *TransferSession) *TransferSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked(sess)
}

func (o *Orchestrator) snapshotLocked(sess *TransferSession) *TransferSession {
	cp := *sess
	cp.Files = append([]TransferFile(nil), sess.Files...)
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
