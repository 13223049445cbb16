package crypto

import "errors"

// Sentinel errors for the crypto package. Callers match these with
// errors.Is; wrapped variants add per-operation context.
var (
	// ErrInvalidKeyLength indicates a key that is not exactly 32 bytes.
	ErrInvalidKeyLength = errors.New("key must be exactly 32 bytes")

	// ErrWeakSecret indicates an all-zero ECDH output, which signals a
	// degenerate or small-subgroup peer key.
	ErrWeakSecret = errors.New("shared secret is all zeros")

	// ErrWeakKey indicates an all-zero key was supplied where a real
	// key is required.
	ErrWeakKey = errors.New("key is all zeros")

	// ErrInvalidNonce indicates a nonce of the wrong length or an
	// all-zero nonce.
	ErrInvalidNonce = errors.New("invalid nonce")

	// ErrAuthenticationFailed indicates an AEAD tag mismatch on decrypt.
	ErrAuthenticationFailed = errors.New("message authentication failed")

	// ErrWeakDerivedKey indicates HKDF produced an all-zero output,
	// which should never happen and signals an implementation bug.
	ErrWeakDerivedKey = errors.New("derived key is all zeros")

	// ErrNoSession indicates no key material exists for the session ID.
	ErrNoSession = errors.New("no key material for session")

	// ErrNoSessionKey indicates the session has no symmetric key yet.
	ErrNoSessionKey = errors.New("no symmetric key for session")

	// ErrSessionExists indicates key material already exists for the
	// session ID.
	ErrSessionExists = errors.New("session already has key material")

	// ErrRenegotiationNotStarted indicates completion was requested for
	// a renegotiation that was never staged.
	ErrRenegotiationNotStarted = errors.New("no renegotiation in progress")
)
