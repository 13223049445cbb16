package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/airlink-dev/airlink/crypto"
)

// MemoryTransport is an in-process transport half connected to a peer
// half by channels. It backs the test suites and loopback transfers,
// and can simulate both stream and constrained transports as well as
// native encryption offload.
type MemoryTransport struct {
	caps     Capabilities
	outbound chan<- []byte
	incoming <-chan []byte
	progress chan ProgressUpdate
	keys     map[string][]byte
	paused   map[uint32]bool
	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
}

// NewMemoryPair creates two connected in-memory transports with the
// given capabilities.
func NewMemoryPair(caps Capabilities) (*MemoryTransport, *MemoryTransport) {
	aToB := make(chan []byte, 256)
	bToA := make(chan []byte, 256)

	a := &MemoryTransport{
		caps:     caps,
		outbound: aToB,
		incoming: bToA,
		progress: make(chan ProgressUpdate, 64),
		keys:     make(map[string][]byte),
		paused:   make(map[uint32]bool),
		closeCh:  make(chan struct{}),
	}
	b := &MemoryTransport{
		caps:     caps,
		outbound: bToA,
		incoming: aToB,
		progress: make(chan ProgressUpdate, 64),
		keys:     make(map[string][]byte),
		paused:   make(map[uint32]bool),
		closeCh:  make(chan struct{}),
	}
	return a, b
}

// Send delivers one frame to the peer half.
func (m *MemoryTransport) Send(ctx context.Context, token string, data []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return fmt.Errorf("transport closed")
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case m.outbound <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closeCh:
		return fmt.Errorf("transport closed")
	}
}

// Receive returns the channel of frames from the peer half.
func (m *MemoryTransport) Receive(ctx context.Context, token string) (<-chan []byte, error) {
	return m.incoming, nil
}

// Pause marks a native transfer paused.
func (m *MemoryTransport) Pause(transferID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[transferID] = true
	return nil
}

// Resume clears a native transfer's paused mark.
func (m *MemoryTransport) Resume(transferID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, transferID)
	return nil
}

// Cancel forgets a native transfer.
func (m *MemoryTransport) Cancel(transferID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, transferID)
	return nil
}

// IsPaused reports whether Pause was called for the transfer. Test
// helper.
func (m *MemoryTransport) IsPaused(transferID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[transferID]
}

// EmitProgress injects a progress update, simulating a native
// transfer engine. Test helper.
func (m *MemoryTransport) EmitProgress(update ProgressUpdate) {
	select {
	case m.progress <- update:
	case <-m.closeCh:
	}
}

// ProgressUpdates exposes the simulated native progress stream.
func (m *MemoryTransport) ProgressUpdates() <-chan ProgressUpdate {
	return m.progress
}

// Capabilities reports the capabilities the pair was created with.
func (m *MemoryTransport) Capabilities() Capabilities {
	return m.caps
}

// SetEncryptionKey provisions a session key for native encryption,
// implementing KeyOffloader.
func (m *MemoryTransport) SetEncryptionKey(token string, key []byte) error {
	if len(key) != crypto.KeySize {
		return fmt.Errorf("invalid key length %d", len(key))
	}
	stored := make([]byte, len(key))
	copy(stored, key)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[token] = stored
	return nil
}

// VerifyEncryptionKey encrypts testPayload under the provisioned key,
// implementing the KeyOffloader verification round trip.
func (m *MemoryTransport) VerifyEncryptionKey(token string, testPayload []byte) (*EncryptedCheck, error) {
	m.mu.Lock()
	key, ok := m.keys[token]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no encryption key for token %q", token)
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptGCM(key, nonce[:], nil, testPayload)
	if err != nil {
		return nil, err
	}

	return &EncryptedCheck{Ciphertext: ciphertext, Nonce: nonce[:]}, nil
}

// Close shuts down this half of the pair.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	for _, key := range m.keys {
		crypto.ZeroBytes(key)
	}
	return nil
}
