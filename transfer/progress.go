package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTransferStalled indicates that no byte progress occurred within
// the stall threshold while the transfer was still live.
var ErrTransferStalled = errors.New("transfer stalled: no progress within timeout")

// DefaultStallTimeout is the default stall detection threshold.
const DefaultStallTimeout = 60 * time.Second

// progressMonitor tracks byte progress for one file and synthesizes a
// failed progress event when the byte count stops moving. Progress
// can be fed either from the orchestrator's own send loop or from a
// native transport's progress stream; both paths call record.
type progressMonitor struct {
	mu         sync.Mutex
	transferID string
	fileID     string
	fileName   string
	total      uint64
	bytes      uint64
	acked      uint64
	speed      float64
	startedAt  time.Time
	lastChange time.Time
	lastSample time.Time
	finished   bool
	emit       func(TransferProgress)
	done       chan struct{}
	doneOnce   sync.Once
}

func newProgressMonitor(transferID string, file TransferFile, emit func(TransferProgress)) *progressMonitor {
	now := time.Now()
	return &progressMonitor{
		transferID: transferID,
		fileID:     file.ID,
		fileName:   file.Name,
		total:      file.Size,
		startedAt:  now,
		lastChange: now,
		lastSample: now,
		emit:       emit,
		done:       make(chan struct{}),
	}
}

// record updates the cumulative byte count and emits an in_progress
// event. Speed is an exponential moving average of instantaneous
// chunk throughput.
func (m *progressMonitor) record(totalBytes uint64) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	if totalBytes > m.bytes {
		delta := totalBytes - m.bytes
		duration := now.Sub(m.lastSample).Seconds()
		if duration > 0 {
			instant := float64(delta) / duration
			if m.speed == 0 {
				m.speed = instant
			} else {
				m.speed = 0.7*m.speed + 0.3*instant
			}
		}
		m.bytes = totalBytes
		m.lastChange = now
	}
	m.lastSample = now
	event := m.snapshotLocked(ProgressInProgress, "")
	m.mu.Unlock()

	if m.emit != nil {
		m.emit(event)
	}
}

// finish emits a terminal event for the file and stops stall watching.
func (m *progressMonitor) finish(status ProgressStatus, errMsg string) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return
	}
	m.finished = true
	event := m.snapshotLocked(status, errMsg)
	m.mu.Unlock()

	m.doneOnce.Do(func() { close(m.done) })
	if m.emit != nil {
		m.emit(event)
	}
}

// recordAck notes cumulative bytes the peer confirmed written. Acks
// count as liveness for stall detection.
func (m *progressMonitor) recordAck(totalBytes uint64) {
	m.mu.Lock()
	if totalBytes > m.acked {
		m.acked = totalBytes
		m.lastChange = time.Now()
	}
	m.mu.Unlock()
}

// pendingBytes reports bytes sent but not yet acknowledged.
func (m *progressMonitor) pendingBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bytes <= m.acked {
		return 0
	}
	return m.bytes - m.acked
}

// touch refreshes the stall clock without recording bytes. Used while
// a transfer is deliberately paused so the pause is not mistaken for
// a hung transport.
func (m *progressMonitor) touch() {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
}

// watchStall blocks until the file finishes, the context ends, or no
// byte progress occurs for stallTimeout. A stall emits a failed event
// and returns ErrTransferStalled.
func (m *progressMonitor) watchStall(ctx context.Context, stallTimeout time.Duration) error {
	if stallTimeout <= 0 {
		stallTimeout = DefaultStallTimeout
	}
	interval := stallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			idle := time.Since(m.lastChange)
			finished := m.finished
			m.mu.Unlock()
			if finished {
				return nil
			}
			if idle >= stallTimeout {
				logrus.WithFields(logrus.Fields{
					"function":    "watchStall",
					"transfer_id": m.transferID,
					"file_id":     m.fileID,
					"idle":        idle,
				}).Warn("transfer stalled, aborting file")
				m.finish(ProgressFailed, fmt.Sprintf("stalled: no progress for %s", idle.Round(time.Second)))
				return ErrTransferStalled
			}
		}
	}
}

func (m *progressMonitor) snapshotLocked(status ProgressStatus, errMsg string) TransferProgress {
	progress := 0.0
	if m.total > 0 {
		progress = float64(m.bytes) / float64(m.total)
		if progress > 1 {
			progress = 1
		}
	} else if status == ProgressCompleted {
		progress = 1
	}
	var eta time.Duration
	if status == ProgressInProgress && m.speed > 0 && m.total > m.bytes {
		eta = time.Duration(float64(m.total-m.bytes) / m.speed * float64(time.Second))
	}
	return TransferProgress{
		TransferID:       m.transferID,
		FileID:           m.fileID,
		FileName:         m.fileName,
		BytesTransferred: m.bytes,
		BytesAcked:       m.acked,
		TotalBytes:       m.total,
		Progress:         progress,
		Speed:            m.speed,
		ETA:              eta,
		Status:           status,
		StartedAt:        m.startedAt,
		ErrorMessage:     errMsg,
	}
}
