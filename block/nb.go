package block

import (
	"crypto/sha256"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// NB is a Named Block: immutable, addressed by H(owner_pubkey ‖ name),
// binding a human-readable name to a target address under one owner's
// namespace. Only the owner may create the binding, and it cannot be
// silently rebound to a different target once signed.
type NB struct {
	addr      address.Address
	ownerPub  *cryptoutil.PublicKey
	name      string
	target    address.Address
	signature []byte

	signer *cryptoutil.PrivateKey
}

// NewNB constructs an NB binding name to target under priv's namespace.
// The caller must call Seal before storing it.
func NewNB(priv *cryptoutil.PrivateKey, name string, target address.Address) *NB {
	pub := priv.Public()
	return &NB{
		addr:     nbAddress(pub, name),
		ownerPub: pub,
		name:     name,
		target:   target,
		signer:   priv,
	}
}

func nbAddress(pub *cryptoutil.PublicKey, name string) address.Address {
	h := pub.Hash()
	sum := sha256.New()
	sum.Write(h[:])
	sum.Write([]byte(name))
	return address.New(sum.Sum(nil)).WithMutable(false)
}

func (n *NB) Kind() Kind               { return KindNB }
func (n *NB) Address() address.Address { return n.addr }
func (n *NB) Owner() address.Address   { return n.addr }
func (n *NB) Version() uint64          { return 0 }
func (n *NB) Name() string             { return n.name }
func (n *NB) Target() address.Address  { return n.target }

// Payload returns the bound target address bytes.
func (n *NB) Payload() []byte { return append([]byte(nil), n.target[:]...) }

func (n *NB) Clone() Block {
	return &NB{addr: n.addr, ownerPub: n.ownerPub, name: n.name, target: n.target, signature: append([]byte(nil), n.signature...), signer: n.signer}
}

func nbSignMessage(name string, target address.Address) []byte {
	msg := make([]byte, 0, len(name)+address.Size)
	msg = append(msg, []byte(name)...)
	msg = append(msg, target[:]...)
	return msg
}

// Seal signs (name, target) with the owner's key. NB has no version: the
// binding is write-once, so a second Seal on the same instance simply
// re-signs the same (name, target) pair.
func (n *NB) Seal(version uint64) error {
	if n.signer == nil {
		return ErrWriterNotPermitted
	}
	sig, err := n.signer.Sign(nbSignMessage(n.name, n.target))
	if err != nil {
		return err
	}
	n.signature = sig
	return nil
}

func (n *NB) WriterKeyHash() [32]byte { return n.ownerPub.Hash() }

// Validate recomputes H(owner_pubkey‖name) and verifies the signature. It
// does not compare against an NB already stored at the same address; that
// is CheckNoRebind. Storing peers refuse different bytes at an occupied
// address with blockerr.Collision.
func (n *NB) Validate(writing bool) error {
	if nbAddress(n.ownerPub, n.name) != n.addr {
		return ErrAddressMismatch
	}
	if err := n.ownerPub.Verify(nbSignMessage(n.name, n.target), n.signature); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// CheckNoRebind rejects attempts to store a different target under an
// address that already carries a committed NB, since NB is write-once.
func (n *NB) CheckNoRebind(existing *NB) error {
	if existing == nil {
		return nil
	}
	if existing.target != n.target {
		return ErrNameRebind
	}
	return nil
}
