package transfer

import (
	"time"
)

// ConnectionMethod identifies the transport family used to reach a
// peer device.
type ConnectionMethod string

const (
	// MethodWiFiDirect is a Wi-Fi peer link.
	MethodWiFiDirect ConnectionMethod = "wifi_direct"
	// MethodBLE is a Bluetooth Low Energy GATT link.
	MethodBLE ConnectionMethod = "ble"
	// MethodPeerSocket is a direct peer-to-peer socket.
	MethodPeerSocket ConnectionMethod = "peer_socket"
)

// ConnectionInfo is what discovery yields for a target device.
type ConnectionInfo struct {
	Token  string
	Method ConnectionMethod
}

// Discovery resolves a device identifier into connection details. It
// is an external collaborator; the orchestrator only requires that a
// resolved token is non-empty before any network activity starts.
type Discovery interface {
	GetConnectionInfo(deviceID string) (ConnectionInfo, error)
}

// TransferDirection indicates whether a session sends or receives.
type TransferDirection uint8

const (
	// DirectionOutgoing represents files being sent to a peer.
	DirectionOutgoing TransferDirection = iota
	// DirectionIncoming represents files being received from a peer.
	DirectionIncoming
)

// TransferFile is an immutable descriptor of one file in a batch.
type TransferFile struct {
	ID       string
	Name     string
	Path     string
	Size     uint64
	MimeType string
}

// TransferSession is one logical transfer request: a batch of files
// to a single target device. It is mutated only through the status
// state machine and moves to the history list on a terminal status.
type TransferSession struct {
	ID               string
	TargetDeviceID   string
	Files            []TransferFile
	ConnectionMethod ConnectionMethod
	Status           TransferStatus
	Direction        TransferDirection
	CreatedAt        time.Time
	CompletedAt      *time.Time
	// TransportID is the numeric id used for the transport's native
	// pause/resume/cancel primitives. Assigned once, never reused
	// while the session is active.
	TransportID  uint32
	ErrorMessage string
}

// ProgressStatus classifies a progress event.
type ProgressStatus string

const (
	// ProgressInProgress marks an ordinary byte-count update.
	ProgressInProgress ProgressStatus = "in_progress"
	// ProgressCompleted marks a file that finished and verified.
	ProgressCompleted ProgressStatus = "completed"
	// ProgressFailed marks a file that failed or stalled.
	ProgressFailed ProgressStatus = "failed"
)

// TransferProgress is an ephemeral per-file progress event. It is
// emitted on the orchestrator's progress callback and never persisted.
type TransferProgress struct {
	TransferID       string
	FileID           string
	FileName         string
	BytesTransferred uint64
	// BytesAcked is the cumulative byte count the peer confirmed
	// written. Zero when the peer does not send acknowledgements.
	BytesAcked   uint64
	TotalBytes   uint64
	Progress     float64
	Speed        float64
	ETA          time.Duration
	Status       ProgressStatus
	StartedAt    time.Time
	ErrorMessage string
}

// QueueProgress aggregates a session's batch after each file finishes,
// successfully or not.
type QueueProgress struct {
	TransferID       string
	TotalFiles       int
	CompletedFiles   int
	FailedFiles      int
	TotalBytes       uint64
	BytesTransferred uint64
}
