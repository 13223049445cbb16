// Package crypto implements the cryptographic core of the AirLink
// secure transfer engine.
//
// This package handles X25519 key generation, ECDH shared secret
// computation, HKDF-SHA256 session key derivation, AES-256-GCM
// authenticated encryption, and the per-session key lifecycle
// (rotation, renegotiation, erasure) through the KeyManager.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto
