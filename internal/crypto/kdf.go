package crypto

import (
	"bytes"
	"errors"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for PIN-based key derivation. Moderate interactive
// settings: the PIN is low-entropy, so the KDF carries the security margin.
//
// CRITICAL: Parameters MUST NOT change or existing wrapped master keys
// cannot be unwrapped.
const (
	Argon2Passes  = 3
	Argon2Memory  = 64 * 1024 // 64 MiB
	Argon2Threads = 4
)

// DerivePINKey derives a 32-byte key-wrapping key from a PIN and salt using
// Argon2id. Deterministic given the same inputs.
func DerivePINKey(pin string, salt []byte) ([]byte, error) {
	key := argon2.IDKey([]byte(pin), salt, Argon2Passes, Argon2Memory, Argon2Threads, KeySize)

	// Sanity check: key should not be all zeros
	if bytes.Equal(key, make([]byte, KeySize)) {
		return nil, errors.New("fatal crypto/argon2 error: produced zero key")
	}

	return key, nil
}
