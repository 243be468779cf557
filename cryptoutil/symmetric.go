package cryptoutil

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptFailed is returned when a sealed box fails to open, meaning
// either the key is wrong or the ciphertext was tampered with.
var ErrDecryptFailed = errors.New("cryptoutil: decrypt failed")

// SealKey is a 32-byte symmetric key used with nacl/secretbox, either the
// per-block random key generated for an ACB payload or a password-derived
// key for silo.Crypt.
type SealKey [32]byte

// NewRandomKey generates a fresh random symmetric key, used once per ACB
// block.
func NewRandomKey() (SealKey, error) {
	var k SealKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// DeriveKey derives a symmetric key from a password and salt via Argon2id,
// used by silo.Crypt when salt=true to derive a per-block key from
// password‖addr.
func DeriveKey(password, salt []byte) SealKey {
	var k SealKey
	derived := argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
	copy(k[:], derived)
	return k
}

// Seal encrypts plaintext under key, returning nonce‖ciphertext.
func Seal(key SealKey, plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plaintext, &nonce, (*[32]byte)(&key)), nil
}

// Open decrypts a nonce‖ciphertext blob produced by Seal.
func Open(key SealKey, sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	out, ok := secretbox.Open(nil, sealed[24:], &nonce, (*[32]byte)(&key))
	if !ok {
		return nil, ErrDecryptFailed
	}
	return out, nil
}

// WrapKeyForRSA encrypts a SealKey under an RSA public key (OAEP), used to
// wrap an ACB's per-block key once per ACL read entry.
func WrapKeyForRSA(pub *PublicKey, key SealKey) ([]byte, error) {
	return rsaOAEPEncrypt(pub.key, key[:])
}

// UnwrapKeyWithRSA decrypts a wrapped SealKey produced by WrapKeyForRSA.
func UnwrapKeyWithRSA(priv *PrivateKey, wrapped []byte) (SealKey, error) {
	var k SealKey
	raw, err := rsaOAEPDecrypt(priv.key, wrapped)
	if err != nil {
		return k, err
	}
	if len(raw) != 32 {
		return k, errors.New("cryptoutil: unwrapped key has wrong length")
	}
	copy(k[:], raw)
	return k, nil
}
