// Package limits provides centralized size ceilings and the rate and
// concurrency limiters consulted before a transfer session is created.
// This ensures consistent validation across components of the engine.
package limits

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// MaxChunkSize is the maximum file chunk size accepted from a peer.
	// Larger chunks are rejected to prevent resource exhaustion.
	MaxChunkSize = 262144

	// MaxFileNameLength is the maximum accepted file name length in
	// bytes. The value matches typical filesystem limits.
	MaxFileNameLength = 255

	// MaxControlMessage is the maximum size of a JSON control message.
	MaxControlMessage = 16384

	// MaxProcessingBuffer is the absolute maximum for any single
	// buffer handled by the engine (1MB).
	MaxProcessingBuffer = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty buffer was provided.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a buffer exceeds its maximum size.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrNameTooLong indicates a file name over MaxFileNameLength.
	ErrNameTooLong = errors.New("file name too long")
)

// ValidateChunk validates a file chunk against MaxChunkSize.
func ValidateChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrMessageEmpty
	}
	if len(chunk) > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d exceeds limit %d", ErrMessageTooLarge, len(chunk), MaxChunkSize)
	}
	return nil
}

// ValidateFileName validates a file name length.
func ValidateFileName(name string) error {
	if name == "" {
		return ErrMessageEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrNameTooLong, len(name), MaxFileNameLength)
	}
	return nil
}

// Decision is the outcome of a limiter check. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// WindowLimiter is a fixed-window rate limiter keyed by an arbitrary
// string (a device ID, or a single shared key for global limiting).
type WindowLimiter struct {
	max    int
	window time.Duration
	counts map[string]*windowState
	mu     sync.Mutex
	now    func() time.Time
}

type windowState struct {
	start time.Time
	count int
}

// NewWindowLimiter creates a limiter allowing max requests per key per
// window.
func NewWindowLimiter(max int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		max:    max,
		window: window,
		counts: make(map[string]*windowState),
		now:    time.Now,
	}
}

// SetClock overrides the limiter's time source for deterministic
// tests.
func (l *WindowLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Check consumes one slot for key when allowed. When denied, the
// decision carries the time remaining until the window resets.
func (l *WindowLimiter) Check(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, ok := l.counts[key]
	if !ok || now.Sub(state.start) >= l.window {
		l.counts[key] = &windowState{start: now, count: 1}
		return Decision{Allowed: true}
	}

	if state.count < l.max {
		state.count++
		return Decision{Allowed: true}
	}

	return Decision{
		Allowed:    false,
		RetryAfter: l.window - now.Sub(state.start),
	}
}

// Release returns a previously consumed slot, used when session
// creation fails after the limiter check passed.
func (l *WindowLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.counts[key]; ok && state.count > 0 {
		state.count--
	}
}

// Forget drops all window state for key.
func (l *WindowLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, key)
}

// ConcurrencyGuard caps the number of simultaneously active sessions.
type ConcurrencyGuard struct {
	max    int
	active int
	mu     sync.Mutex
}

// NewConcurrencyGuard creates a guard with the given ceiling.
func NewConcurrencyGuard(max int) *ConcurrencyGuard {
	return &ConcurrencyGuard{max: max}
}

// Acquire claims a slot, reporting false when the ceiling is reached.
func (g *ConcurrencyGuard) Acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active >= g.max {
		return false
	}
	g.active++
	return true
}

// Release frees a previously acquired slot.
func (g *ConcurrencyGuard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
}

// Active returns the number of currently held slots.
func (g *ConcurrencyGuard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
