package crypto

import (
	"fmt"

	verrors "SecureVault/internal/errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts and authenticates plaintext with XChaCha20-Poly1305.
// The returned ciphertext carries the 16-byte Poly1305 tag appended.
// Nonce and key are stored out of band (DB row or global config), never in
// the ciphertext itself.
func Seal(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead init: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("aead seal: nonce length %d, want %d", len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts ciphertext produced by Seal.
//
// Any failure - bad key, bad nonce, truncated or tampered ciphertext -
// surfaces as the single opaque ErrCryptoFailure. Callers must not be able
// to branch on the sub-reason.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, verrors.ErrCryptoFailure
	}
	if len(nonce) != aead.NonceSize() {
		return nil, verrors.ErrCryptoFailure
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, verrors.ErrCryptoFailure
	}
	return plaintext, nil
}
