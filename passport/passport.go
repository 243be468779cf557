// Package passport implements the capability tuple a network owner grants
// a user to join a network: which public key, under which network name,
// with what permissions, certified by the owner's signature.
package passport

import (
	"bytes"
	"errors"

	"github.com/memofed/memo/cryptoutil"
)

// ErrVerificationFailed is returned by Verify when the owner's signature
// does not check out against the claimed tuple.
var ErrVerificationFailed = errors.New("passport: owner signature verification failed")

// Passport is the (user, network, permissions) tuple signed by a network
// owner, optionally with a certifier key the owner delegates signing
// authority to.
type Passport struct {
	User      *cryptoutil.PublicKey
	Network   string
	Certifier *cryptoutil.PublicKey // nil unless the owner delegated

	AllowWrite   bool
	AllowStorage bool
	AllowSign    bool

	signature []byte
}

// New builds and signs a Passport for user on network, signed by owner.
// certifier may be nil; when set, Verify also accepts a signature
// produced by certifier instead of owner, mirroring the C++ original's
// delegated-certifier mode.
func New(owner *cryptoutil.PrivateKey, user *cryptoutil.PublicKey, network string, certifier *cryptoutil.PublicKey, allowWrite, allowStorage, allowSign bool) (*Passport, error) {
	p := &Passport{
		User: user, Network: network, Certifier: certifier,
		AllowWrite: allowWrite, AllowStorage: allowStorage, AllowSign: allowSign,
	}
	sig, err := owner.Sign(p.signMessage())
	if err != nil {
		return nil, err
	}
	p.signature = sig
	return p, nil
}

func (p *Passport) signMessage() []byte {
	var buf bytes.Buffer
	buf.Write([]byte(p.Network))
	if der, err := p.User.MarshalPublic(); err == nil {
		buf.Write(der)
	}
	if p.Certifier != nil {
		if der, err := p.Certifier.MarshalPublic(); err == nil {
			buf.Write(der)
		}
	}
	flags := byte(0)
	if p.AllowWrite {
		flags |= 1 << 0
	}
	if p.AllowStorage {
		flags |= 1 << 1
	}
	if p.AllowSign {
		flags |= 1 << 2
	}
	buf.WriteByte(flags)
	return buf.Bytes()
}

// Signature returns the raw owner (or certifier) signature bytes.
func (p *Passport) Signature() []byte { return append([]byte(nil), p.signature...) }

// WithSignature attaches a signature received over the wire, for a
// Passport reconstructed from a fetched UB/network descriptor rather than
// freshly minted locally.
func WithSignature(p Passport, sig []byte) *Passport {
	p.signature = append([]byte(nil), sig...)
	return &p
}

// Verify checks the passport's signature against owner's public key, or
// against the embedded certifier if owner's check fails and a certifier
// is present — the delegated-signing path the original implementation
// supports via store_certifier.
func (p *Passport) Verify(owner *cryptoutil.PublicKey) error {
	msg := p.signMessage()
	if err := owner.Verify(msg, p.signature); err == nil {
		return nil
	}
	if p.Certifier != nil {
		if err := p.Certifier.Verify(msg, p.signature); err == nil {
			return nil
		}
	}
	return ErrVerificationFailed
}
