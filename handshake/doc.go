// Package handshake implements the AirLink key agreement protocol on
// top of an abstract control channel.
//
// Stream transports exchange JSON control messages; constrained
// transports such as BLE use a compact binary chunk frame and carry
// metadata out of band. The handshake carries each side's ephemeral
// X25519 public key, derives the session key with an
// order-independent salt, and confirms agreement with an
// AEAD-encrypted verification ping before any file data flows.
package handshake
