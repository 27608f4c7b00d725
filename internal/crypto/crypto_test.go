package crypto

import (
	"bytes"
	"errors"
	"testing"

	verrors "SecureVault/internal/errors"
)

func TestRandomBytes(t *testing.T) {
	b1, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(b1) != 32 {
		t.Errorf("length = %d; want 32", len(b1))
	}

	b2, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if bytes.Equal(b1, b2) {
		t.Error("two random draws should not be equal")
	}
}

func TestDerivePINKey(t *testing.T) {
	salt := make([]byte, SaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}

	key1, err := DerivePINKey("1234", salt)
	if err != nil {
		t.Fatalf("DerivePINKey failed: %v", err)
	}
	if len(key1) != KeySize {
		t.Errorf("key length = %d; want %d", len(key1), KeySize)
	}

	// Deterministic given the same inputs
	key1b, err := DerivePINKey("1234", salt)
	if err != nil {
		t.Fatalf("DerivePINKey failed: %v", err)
	}
	if !bytes.Equal(key1, key1b) {
		t.Error("same inputs should produce the same key")
	}

	// Different PIN, different key
	key2, _ := DerivePINKey("9999", salt)
	if bytes.Equal(key1, key2) {
		t.Error("different PINs should produce different keys")
	}

	// Different salt, different key
	salt2 := make([]byte, SaltSize)
	key3, _ := DerivePINKey("1234", salt2)
	if bytes.Equal(key1, key3) {
		t.Error("different salts should produce different keys")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	nonce, _ := GenerateNonce()
	plaintext := []byte("the quick brown fox")

	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(ciphertext) != len(plaintext)+TagOverhead {
		t.Errorf("ciphertext length = %d; want %d", len(ciphertext), len(plaintext)+TagOverhead)
	}

	decrypted, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip should return the original plaintext")
	}
}

func TestOpenFailuresAreOpaque(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	nonce, _ := GenerateNonce()
	ciphertext, _ := Seal(key, nonce, []byte("secret"))

	// Tampered ciphertext
	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xff
	if _, err := Open(key, nonce, tampered); !errors.Is(err, verrors.ErrCryptoFailure) {
		t.Errorf("tampered ciphertext: err = %v; want ErrCryptoFailure", err)
	}

	// Wrong key
	otherKey, _ := RandomBytes(KeySize)
	if _, err := Open(otherKey, nonce, ciphertext); !errors.Is(err, verrors.ErrCryptoFailure) {
		t.Errorf("wrong key: err = %v; want ErrCryptoFailure", err)
	}

	// Wrong nonce
	otherNonce, _ := GenerateNonce()
	if _, err := Open(key, otherNonce, ciphertext); !errors.Is(err, verrors.ErrCryptoFailure) {
		t.Errorf("wrong nonce: err = %v; want ErrCryptoFailure", err)
	}

	// Truncated ciphertext
	if _, err := Open(key, nonce, ciphertext[:TagOverhead-1]); !errors.Is(err, verrors.ErrCryptoFailure) {
		t.Errorf("truncated ciphertext: err = %v; want ErrCryptoFailure", err)
	}
}

func TestKeyedHash(t *testing.T) {
	h1 := KeyedHash([]byte("data"))
	if len(h1) != HashSize {
		t.Errorf("hash length = %d; want %d", len(h1), HashSize)
	}

	h2 := KeyedHash([]byte("data"))
	if !bytes.Equal(h1, h2) {
		t.Error("hash should be deterministic")
	}

	h3 := KeyedHash([]byte("datb"))
	if bytes.Equal(h1, h3) {
		t.Error("different data should produce different hashes")
	}
}

func TestDeriveBlockKey(t *testing.T) {
	master, _ := GenerateMasterKey()
	salt1, _ := GenerateSalt()
	salt2, _ := GenerateSalt()

	key1 := DeriveBlockKey(master, salt1)
	key1b := DeriveBlockKey(master, salt1)
	key2 := DeriveBlockKey(master, salt2)

	if !bytes.Equal(key1, key1b) {
		t.Error("block key derivation should be deterministic")
	}
	if bytes.Equal(key1, key2) {
		t.Error("different salts should derive different block keys")
	}
	if bytes.Equal(key1, master) {
		t.Error("block key must not equal the master key")
	}
}

func TestDeriveNameKey(t *testing.T) {
	master, _ := GenerateMasterKey()
	nameKey := DeriveNameKey(master)
	if bytes.Equal(nameKey, master) {
		t.Error("name key must not equal the master key")
	}
	if !bytes.Equal(nameKey, DeriveNameKey(master)) {
		t.Error("name key derivation should be deterministic")
	}
}

func TestWrapUnwrapMasterKey(t *testing.T) {
	master, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey failed: %v", err)
	}

	wrapped, err := WrapMasterKey(master, "1234")
	if err != nil {
		t.Fatalf("WrapMasterKey failed: %v", err)
	}
	if len(wrapped.Ciphertext) != MasterKeySize+TagOverhead {
		t.Errorf("ciphertext length = %d; want %d", len(wrapped.Ciphertext), MasterKeySize+TagOverhead)
	}

	unwrapped, err := UnwrapMasterKey(wrapped, "1234")
	if err != nil {
		t.Fatalf("UnwrapMasterKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, master) {
		t.Error("unwrap should return the original master key")
	}

	// Wrong PIN yields the opaque crypto failure
	if _, err := UnwrapMasterKey(wrapped, "9999"); !errors.Is(err, verrors.ErrCryptoFailure) {
		t.Errorf("wrong PIN: err = %v; want ErrCryptoFailure", err)
	}

	// Corrupted fingerprint also yields the opaque crypto failure
	bad := *wrapped
	bad.Hash = "00" + bad.Hash[2:]
	if _, err := UnwrapMasterKey(&bad, "1234"); !errors.Is(err, verrors.ErrCryptoFailure) {
		t.Errorf("bad fingerprint: err = %v; want ErrCryptoFailure", err)
	}
}
