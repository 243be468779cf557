package block

import (
	"crypto/sha256"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// UBMode distinguishes the two UB addressing directions:
// a forward UB maps a username to a public key, a reverse UB maps a
// public key's hash back to a username.
type UBMode uint8

const (
	UBForward UBMode = iota + 1
	UBReverse
)

// UB is a User Block: immutable, binding a username to a public key
// (forward) or a public key to a username (reverse), so a peer can
// resolve a human identity in either direction.
type UB struct {
	addr      address.Address
	mode      UBMode
	username  string
	pub       *cryptoutil.PublicKey
	signature []byte

	signer *cryptoutil.PrivateKey
}

// NewForwardUB builds H(username) -> pubkey, signed by the named user's
// own key (proving they control it).
func NewForwardUB(priv *cryptoutil.PrivateKey, username string) *UB {
	return &UB{
		addr:     ubForwardAddress(username),
		mode:     UBForward,
		username: username,
		pub:      priv.Public(),
		signer:   priv,
	}
}

// NewReverseUB builds H(pubkey) -> username, signed by the same key.
func NewReverseUB(priv *cryptoutil.PrivateKey, username string) *UB {
	pub := priv.Public()
	hash := pub.Hash()
	return &UB{
		addr:     address.New(hash[:]).WithMutable(false),
		mode:     UBReverse,
		username: username,
		pub:      pub,
		signer:   priv,
	}
}

func ubForwardAddress(username string) address.Address {
	h := sha256.Sum256([]byte(username))
	return address.New(h[:]).WithMutable(false)
}

func (u *UB) Kind() Kind               { return KindUB }
func (u *UB) Address() address.Address { return u.addr }
func (u *UB) Owner() address.Address   { return u.addr }
func (u *UB) Version() uint64          { return 0 }
func (u *UB) Mode() UBMode             { return u.mode }
func (u *UB) Username() string         { return u.username }
func (u *UB) PublicKey() *cryptoutil.PublicKey { return u.pub }

func (u *UB) Payload() []byte {
	der, err := u.pub.MarshalPublic()
	if err != nil {
		return nil
	}
	return der
}

func (u *UB) Clone() Block {
	return &UB{addr: u.addr, mode: u.mode, username: u.username, pub: u.pub, signature: append([]byte(nil), u.signature...), signer: u.signer}
}

func ubSignMessage(mode UBMode, username string, pub *cryptoutil.PublicKey) ([]byte, error) {
	der, err := pub.MarshalPublic()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, 1+len(username)+len(der))
	msg = append(msg, byte(mode))
	msg = append(msg, []byte(username)...)
	msg = append(msg, der...)
	return msg, nil
}

func (u *UB) Seal(version uint64) error {
	if u.signer == nil {
		return ErrWriterNotPermitted
	}
	msg, err := ubSignMessage(u.mode, u.username, u.pub)
	if err != nil {
		return err
	}
	sig, err := u.signer.Sign(msg)
	if err != nil {
		return err
	}
	u.signature = sig
	return nil
}

func (u *UB) WriterKeyHash() [32]byte { return u.pub.Hash() }

// Validate recomputes the address for the block's mode and verifies the
// user's own signature over (mode, username, pubkey) — proof that the
// binding was asserted by the key it names, not by a third party.
func (u *UB) Validate(writing bool) error {
	var want address.Address
	switch u.mode {
	case UBForward:
		want = ubForwardAddress(u.username)
	case UBReverse:
		hash := u.pub.Hash()
		want = address.New(hash[:]).WithMutable(false)
	default:
		return ErrAddressMismatch
	}
	if want != u.addr {
		return ErrAddressMismatch
	}
	msg, err := ubSignMessage(u.mode, u.username, u.pub)
	if err != nil {
		return err
	}
	if err := u.pub.Verify(msg, u.signature); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}
