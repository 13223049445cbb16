// Package transfer implements the file transfer orchestrator: the
// per-session state machine, sequential batch sending with per-file
// failure isolation, chunk-level progress monitoring with stall
// detection, checksum verification on receive, and rate limiting of
// new sessions.
//
// A transfer session moves through pending, connecting, handshaking
// and transferring before reaching one of the terminal states
// completed, failed or cancelled. Status changes are debounced so
// rapid sub-step updates collapse into a single observed change.
package transfer
