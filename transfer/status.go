package transfer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TransferStatus is the state of a transfer session.
type TransferStatus string

const (
	// StatusPending means the session is created but not yet started.
	StatusPending TransferStatus = "pending"
	// StatusConnecting means connection info is being resolved and a
	// transport link established.
	StatusConnecting TransferStatus = "connecting"
	// StatusHandshaking means the key exchange is running.
	StatusHandshaking TransferStatus = "handshaking"
	// StatusTransferring means file bytes are moving.
	StatusTransferring TransferStatus = "transferring"
	// StatusPaused means the transport paused the transfer.
	StatusPaused TransferStatus = "paused"
	// StatusResuming is the transient state back to transferring.
	StatusResuming TransferStatus = "resuming"
	// StatusCompleted means every file in the batch succeeded.
	StatusCompleted TransferStatus = "completed"
	// StatusFailed means at least one file failed or the session
	// aborted before transferring.
	StatusFailed TransferStatus = "failed"
	// StatusCancelled means the session was cancelled by request.
	StatusCancelled TransferStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are accepted.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var validTransitions = map[TransferStatus][]TransferStatus{
	StatusPending:      {StatusConnecting, StatusFailed, StatusCancelled},
	StatusConnecting:   {StatusHandshaking, StatusFailed, StatusCancelled},
	StatusHandshaking:  {StatusTransferring, StatusFailed, StatusCancelled},
	StatusTransferring: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:       {StatusResuming, StatusFailed, StatusCancelled},
	StatusResuming:     {StatusTransferring, StatusFailed, StatusCancelled},
}

// CanTransitionTo reports whether next is a legal successor of s.
// Terminal states accept nothing.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanAdvanceTo reports whether next is reachable from s through one or
// more legal transitions. Debounced commits observe only the last
// status set within a window, so a commit may skip the intermediate
// states it coalesced over.
func (s TransferStatus) CanAdvanceTo(next TransferStatus) bool {
	if s == next {
		return false
	}
	seen := map[TransferStatus]bool{s: true}
	queue := []TransferStatus{s}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, succ := range validTransitions[cur] {
			if succ == next {
				return true
			}
			if !seen[succ] {
				seen[succ] = true
				queue = append(queue, succ)
			}
		}
	}
	return false
}

// DefaultStatusDebounce is the window within which rapid status
// updates are coalesced into a single committed change.
const DefaultStatusDebounce = 100 * time.Millisecond

// statusDebouncer coalesces rapid status updates: only the last status
// set within the window is committed. Terminal statuses flush
// immediately so history and callbacks see them without delay.
type statusDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending TransferStatus
	dirty   bool
	closed  bool
	commit  func(TransferStatus)
}

func newStatusDebouncer(window time.Duration, commit func(TransferStatus)) *statusDebouncer {
	if window <= 0 {
		window = DefaultStatusDebounce
	}
	return &statusDebouncer{window: window, commit: commit}
}

// Set records a status. Non-terminal statuses are committed after the
// debounce window unless superseded; terminal statuses commit at once.
func (d *statusDebouncer) Set(status TransferStatus) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending = status
	d.dirty = true
	if status.IsTerminal() {
		committed, ok := d.takeLocked()
		d.mu.Unlock()
		if ok {
			d.commit(committed)
		}
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.fire)
	} else {
		d.timer.Reset(d.window)
	}
	d.mu.Unlock()
}

// Flush commits any pending status immediately.
func (d *statusDebouncer) Flush() {
	d.fire()
}

// Close flushes any pending status and stops the timer. Safe to call
// more than once.
func (d *statusDebouncer) Close() {
	d.mu.Lock()
	committed, ok := d.takeLocked()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	if ok {
		d.commit(committed)
	}
}

func (d *statusDebouncer) fire() {
	d.mu.Lock()
	committed, ok := d.takeLocked()
	d.mu.Unlock()
	if ok {
		d.commit(committed)
	}
}

// takeLocked drains the pending status. The commit itself must run
// outside the mutex: committing a terminal status releases session
// resources, which closes this debouncer.
func (d *statusDebouncer) takeLocked() (TransferStatus, bool) {
	if !d.dirty || d.closed {
		return "", false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	status := d.pending
	d.dirty = false
	logrus.WithFields(logrus.Fields{
		"function": "takeLocked",
		"status":   status,
	}).Debug("committing debounced status")
	return status, true
}
