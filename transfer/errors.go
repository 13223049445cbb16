package transfer

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound indicates an unknown or already finished session.
var ErrSessionNotFound = errors.New("transfer session not found")

// ErrSessionNotActive indicates an operation that requires a live
// session was attempted on one in a terminal state.
var ErrSessionNotActive = errors.New("transfer session is not active")

// ErrTooManySessions indicates the concurrent session ceiling was hit.
var ErrTooManySessions = errors.New("concurrent session limit reached")

// ErrNoFiles indicates a session was started with an empty batch.
var ErrNoFiles = errors.New("no files to transfer")

// ErrMissingConnectionToken indicates discovery resolved the device
// but yielded no usable connection token.
var ErrMissingConnectionToken = errors.New("missing connection token for target device")

// ErrChecksumMismatch indicates a received file failed integrity
// verification.
var ErrChecksumMismatch = errors.New("file checksum mismatch")

// ErrInvalidStatusTransition indicates a state machine violation.
var ErrInvalidStatusTransition = errors.New("invalid transfer status transition")

// RateLimitScope names which limiter rejected a request.
type RateLimitScope string

const (
	// RateLimitDevice is the per-target-device limiter.
	RateLimitDevice RateLimitScope = "device"
	// RateLimitGlobal is the process-wide limiter.
	RateLimitGlobal RateLimitScope = "global"
)

// RateLimitError reports a rejected session start with the duration
// after which a retry may succeed.
type RateLimitError struct {
	Scope      RateLimitScope
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}
