package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// nameKeyContext is the domain separator mixed into the master key when
// deriving the key that seals virtual file names and comments.
const nameKeyContext = "names"

// KeyedHash computes the 32-byte BLAKE2b fingerprint of data. Used for block
// content hashes (the dedup key) and the master-key verification fingerprint.
func KeyedHash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// HashHex returns the hex encoding of KeyedHash(data).
func HashHex(data []byte) string {
	return hex.EncodeToString(KeyedHash(data))
}

// DeriveBlockKey derives the encryption key for a single block from the
// master key and the block's own salt. Decouples the master key from direct
// AEAD use and binds each blob's key to its salt.
func DeriveBlockKey(masterKey, salt []byte) []byte {
	buf := make([]byte, 0, len(masterKey)+len(salt))
	buf = append(buf, masterKey...)
	buf = append(buf, salt...)
	key := KeyedHash(buf)
	SecureZero(buf)
	return key
}

// DeriveNameKey derives the single key that seals all virtual file names and
// comments in a repository session.
func DeriveNameKey(masterKey []byte) []byte {
	buf := make([]byte, 0, len(masterKey)+len(nameKeyContext))
	buf = append(buf, masterKey...)
	buf = append(buf, nameKeyContext...)
	key := KeyedHash(buf)
	SecureZero(buf)
	return key
}
