// Package cryptoutil wraps the RSA signature chain, content hashing, and
// symmetric encryption primitives used by the block model and the crypt
// silo. User and node identity is RSA throughout, so keys, signing, and
// key wrapping all go through the stdlib crypto/rsa primitives here.
package cryptoutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
)

// KeySize is the RSA modulus size used for all node/user keys.
const KeySize = 2048

// PrivateKey is a node or user's RSA signing key.
type PrivateKey struct {
	key *rsa.PrivateKey
}

// PublicKey is the verification half of a PrivateKey.
type PublicKey struct {
	key *rsa.PublicKey
}

// GenerateKeyPair creates a fresh RSA key pair.
func GenerateKeyPair() (*PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// Public returns the public half of priv.
func (priv *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: &priv.key.PublicKey}
}

// Sign produces a PKCS#1v15 signature over SHA-256(payload).
func (priv *PrivateKey) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, priv.key, crypto.SHA256, digest[:])
}

// Verify checks a PKCS#1v15 signature produced by Sign.
func (pub *PublicKey) Verify(payload, sig []byte) error {
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub.key, crypto.SHA256, digest[:], sig)
}

// Hash returns the address-derivation hash of a public key,
// H(block_pubkey) — the OKB/ACB/GB address rule.
func (pub *PublicKey) Hash() [32]byte {
	der, err := x509.MarshalPKIXPublicKey(pub.key)
	if err != nil {
		// MarshalPKIXPublicKey only fails for unsupported key types; an
		// *rsa.PublicKey we generated ourselves is always supported.
		panic("cryptoutil: unexpected marshal failure: " + err.Error())
	}
	return sha256.Sum256(der)
}

// MarshalPublic returns the DER encoding of pub, for embedding in wire
// messages (passports, RPC handshakes).
func (pub *PublicKey) MarshalPublic() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub.key)
}

// UnmarshalPublic parses a DER-encoded RSA public key.
func UnmarshalPublic(der []byte) (*PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("cryptoutil: not an RSA public key")
	}
	return &PublicKey{key: rsaKey}, nil
}

// Equal reports whether two public keys are identical.
func (pub *PublicKey) Equal(other *PublicKey) bool {
	if pub == nil || other == nil {
		return pub == other
	}
	return pub.key.Equal(other.key)
}
