// Package session manages secure sessions between the local device
// and a peer: lifecycle, handshake completion, the readiness
// invariant, and the key hand-off policy for transports that encrypt
// natively.
//
// A session becomes ready only after the handshake completes and the
// remote public key is recorded; encrypt and decrypt calls are
// rejected before that point.
package session
