package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites the contents of a byte slice containing
// sensitive material with zeros. It returns an error if the slice is
// nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)

	// Keep both slices live past the copy so the compiler cannot
	// eliminate the overwrite.
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes erases a byte slice of sensitive data, ignoring the error
// from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// ConstantTimeEquals compares two byte slices in constant time.
// Slices of different lengths compare unequal without leaking where
// they differ.
func ConstantTimeEquals(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
