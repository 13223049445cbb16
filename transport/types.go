// Package transport defines the byte transport contract the AirLink
// engine runs over, the binary frame envelope shared by all
// transports, and two reference implementations: a TCP peer transport
// and an in-memory pair for tests.
//
// Native platform transports (Wi-Fi peer sockets, BLE GATT) live
// outside this module; they only need to satisfy the Transport
// interface.
package transport

import "context"

// Capabilities describes what a transport implementation can do. The
// handshake layer selects JSON control framing for stream transports
// and the compact binary chunk frame otherwise.
type Capabilities struct {
	// Stream is true when the transport carries arbitrary-size frames
	// in order, making it suitable for the JSON control channel.
	Stream bool

	// EncryptionOffload is true when the transport encrypts payloads
	// natively once a session key is handed off via KeyOffloader.
	EncryptionOffload bool
}

// ProgressUpdate reports byte-level progress for a native transfer.
type ProgressUpdate struct {
	TransferID uint32
	FileID     string
	Bytes      uint64
}

// EncryptedCheck is the result of a native-side encryption round trip,
// used to verify a handed-off key before trusting the transport with
// plaintext.
type EncryptedCheck struct {
	Ciphertext []byte
	Nonce      []byte
}

// Transport moves opaque byte buffers between two devices identified
// by a connection token. Implementations must be safe for concurrent
// use.
type Transport interface {
	// Send delivers one frame to the peer identified by token.
	Send(ctx context.Context, token string, data []byte) error

	// Receive returns a channel of frames arriving from the peer. The
	// channel is closed when the connection ends or ctx is cancelled.
	Receive(ctx context.Context, token string) (<-chan []byte, error)

	// Pause suspends a native transfer.
	Pause(transferID uint32) error

	// Resume continues a paused native transfer.
	Resume(transferID uint32) error

	// Cancel aborts a native transfer.
	Cancel(transferID uint32) error

	// ProgressUpdates exposes the transport's byte progress stream.
	ProgressUpdates() <-chan ProgressUpdate

	// Capabilities reports what this transport supports.
	Capabilities() Capabilities

	// Close shuts down the transport.
	Close() error
}

// KeyOffloader is implemented by transports that perform symmetric
// encryption natively. The session layer hands the derived key to the
// transport and verifies the hand-off with a test payload round trip.
type KeyOffloader interface {
	// SetEncryptionKey provisions the session key for a connection.
	SetEncryptionKey(token string, key []byte) error

	// VerifyEncryptionKey asks the transport to encrypt testPayload
	// under the provisioned key so the caller can check the result.
	VerifyEncryptionKey(token string, testPayload []byte) (*EncryptedCheck, error)
}
