package crypto

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	verrors "SecureVault/internal/errors"
)

// WrappedKey is the persisted form of the master key: the AEAD ciphertext
// under a PIN-derived key, the KDF salt, the AEAD nonce, and a keyed-hash
// fingerprint of the plaintext key. The fingerprint lets unlock verify a
// PIN-decrypt succeeded independently of AEAD authentication.
type WrappedKey struct {
	Ciphertext []byte
	Salt       []byte
	Nonce      []byte
	Hash       string // hex-encoded fingerprint of the plaintext master key
}

// WrapMasterKey seals the master key under a key derived from pin with a
// fresh salt and nonce.
func WrapMasterKey(masterKey []byte, pin string) (*WrappedKey, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("wrap: master key length %d, want %d", len(masterKey), MasterKeySize)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	pinKey, err := DerivePINKey(pin, salt)
	if err != nil {
		return nil, err
	}
	defer SecureZero(pinKey)

	ciphertext, err := Seal(pinKey, nonce, masterKey)
	if err != nil {
		return nil, err
	}

	return &WrappedKey{
		Ciphertext: ciphertext,
		Salt:       salt,
		Nonce:      nonce,
		Hash:       hex.EncodeToString(KeyedHash(masterKey)),
	}, nil
}

// UnwrapMasterKey derives the PIN key, opens the wrapped master key, and
// verifies the stored fingerprint. Both the AEAD failure and a fingerprint
// mismatch surface as the same opaque ErrCryptoFailure.
func UnwrapMasterKey(w *WrappedKey, pin string) ([]byte, error) {
	pinKey, err := DerivePINKey(pin, w.Salt)
	if err != nil {
		return nil, err
	}
	defer SecureZero(pinKey)

	masterKey, err := Open(pinKey, w.Nonce, w.Ciphertext)
	if err != nil {
		return nil, verrors.ErrCryptoFailure
	}

	want, err := hex.DecodeString(w.Hash)
	if err != nil || subtle.ConstantTimeCompare(KeyedHash(masterKey), want) != 1 {
		SecureZero(masterKey)
		return nil, verrors.ErrCryptoFailure
	}

	return masterKey, nil
}
