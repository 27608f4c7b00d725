// Package crypto provides cryptographic primitives for the vault.
// This is AUDIT-CRITICAL code - changes here directly affect whether stored
// repositories can still be decrypted.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Sizes of cryptographic values. These are wire-level constants: every salt,
// nonce and key persisted in a repository uses them.
//
// CRITICAL: Sizes MUST NOT change or existing repositories cannot be opened.
const (
	MasterKeySize = 32 // 256-bit master key
	KeySize       = 32 // AEAD and derived key size
	SaltSize      = 16 // Argon2id / per-block salt
	NonceSize     = 24 // XChaCha20-Poly1305 nonce
	HashSize      = 32 // BLAKE2b-256 output
	TagOverhead   = 16 // Poly1305 tag appended to every ciphertext
)

// RandomBytes generates n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("fatal crypto/rand error: %w", err)
	}

	// Sanity check: bytes should not be all zeros
	allZero := true
	for _, v := range b {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, errors.New("fatal crypto/rand error: produced zero bytes")
	}

	return b, nil
}

// GenerateMasterKey generates a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	return RandomBytes(MasterKeySize)
}

// GenerateSalt generates a fresh random salt for key derivation.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// GenerateNonce generates a fresh random AEAD nonce.
func GenerateNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}
