package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// maxWireFrame bounds a single length-prefixed read: header, payload,
// and footer.
const maxWireFrame = FrameHeaderSize + MaxFramePayload + 64

// TCPTransport is the reference stream transport. Frames are
// length-prefixed on the wire; connection tokens are "host:port"
// addresses. Encryption is done by the engine, not the transport, so
// Capabilities reports no offload.
type TCPTransport struct {
	listener net.Listener
	conns    map[string]net.Conn
	inbound  map[string]chan []byte
	accepted chan string
	progress chan ProgressUpdate
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

// NewTCPTransport creates a TCP transport. listenAddr may be empty for
// a dial-only (initiator) transport.
func NewTCPTransport(listenAddr string) (*TCPTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		conns:    make(map[string]net.Conn),
		inbound:  make(map[string]chan []byte),
		accepted: make(chan string, 8),
		progress: make(chan ProgressUpdate, 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	if listenAddr != "" {
		listener, err := net.Listen("tcp", listenAddr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
		}
		t.listener = listener
		go t.acceptLoop()

		logrus.WithFields(logrus.Fields{
			"function": "NewTCPTransport",
			"address":  listener.Addr().String(),
		}).Info("TCP transport listening")
	}

	return t, nil
}

// LocalAddr returns the listen address, or nil for dial-only
// transports.
func (t *TCPTransport) LocalAddr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// acceptLoop accepts peer connections and starts their read loops.
func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		token := conn.RemoteAddr().String()
		t.mu.Lock()
		t.conns[token] = conn
		ch := t.inboundLocked(token)
		t.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "acceptLoop",
			"peer":     token,
		}).Info("Peer connected")

		select {
		case t.accepted <- token:
		default:
		}

		go t.readLoop(token, conn, ch)
	}
}

// inboundLocked returns the inbound channel for token, creating it if
// needed. Callers must hold t.mu.
func (t *TCPTransport) inboundLocked(token string) chan []byte {
	ch, ok := t.inbound[token]
	if !ok {
		ch = make(chan []byte, 64)
		t.inbound[token] = ch
	}
	return ch
}

// readLoop reads length-prefixed frames from conn into ch until the
// connection closes.
func (t *TCPTransport) readLoop(token string, conn net.Conn, ch chan []byte) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, token)
		delete(t.inbound, token)
		t.mu.Unlock()
		_ = conn.Close()
		close(ch)
	}()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		if size == 0 || size > maxWireFrame {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer":     token,
				"size":     size,
			}).Error("Invalid frame length, dropping connection")
			return
		}

		data := make([]byte, size)
		if _, err := io.ReadFull(conn, data); err != nil {
			return
		}

		select {
		case ch <- data:
		case <-t.ctx.Done():
			return
		}
	}
}

// getOrDial returns an existing connection for token or dials a new
// one.
func (t *TCPTransport) getOrDial(ctx context.Context, token string) (net.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	conn, ok := t.conns[token]
	t.mu.Unlock()
	if ok {
		return conn, nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", token)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", token, err)
	}

	t.mu.Lock()
	t.conns[token] = conn
	ch := t.inboundLocked(token)
	t.mu.Unlock()

	go t.readLoop(token, conn, ch)
	return conn, nil
}

// Send delivers one frame to the peer identified by token.
func (t *TCPTransport) Send(ctx context.Context, token string, data []byte) error {
	if len(data) > maxWireFrame {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}

	conn, err := t.getOrDial(ctx, token)
	if err != nil {
		return err
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame to %s: %w", token, err)
	}
	return nil
}

// Receive returns the inbound frame channel for token, dialing the
// peer if no connection exists yet.
func (t *TCPTransport) Receive(ctx context.Context, token string) (<-chan []byte, error) {
	if _, err := t.getOrDial(ctx, token); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inboundLocked(token), nil
}

// ReceiveAny returns a channel fed by the first accepted peer. Used by
// the receiving side which does not know the initiator's address in
// advance.
func (t *TCPTransport) ReceiveAny(ctx context.Context) (string, <-chan []byte, error) {
	if t.listener == nil {
		return "", nil, fmt.Errorf("transport is dial-only")
	}

	select {
	case token := <-t.accepted:
		t.mu.Lock()
		ch := t.inboundLocked(token)
		t.mu.Unlock()
		return token, ch, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-t.ctx.Done():
		return "", nil, fmt.Errorf("transport closed")
	}
}

// Pause is a no-op: the TCP reference transport has no native transfer
// engine, chunking is driven by the orchestrator.
func (t *TCPTransport) Pause(transferID uint32) error { return nil }

// Resume is a no-op, see Pause.
func (t *TCPTransport) Resume(transferID uint32) error { return nil }

// Cancel is a no-op like Pause: the transport does not track transfer
// IDs. The orchestrator stops issuing chunk writes, and Close drops
// the connections.
func (t *TCPTransport) Cancel(transferID uint32) error { return nil }

// ProgressUpdates exposes the transport progress stream. The TCP
// transport never feeds it; progress comes from the orchestrator's own
// chunk loop.
func (t *TCPTransport) ProgressUpdates() <-chan ProgressUpdate {
	return t.progress
}

// Capabilities reports a stream transport without encryption offload.
func (t *TCPTransport) Capabilities() Capabilities {
	return Capabilities{Stream: true, EncryptionOffload: false}
}

// Close shuts down the listener and all connections.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]net.Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	t.cancel()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return nil
}
