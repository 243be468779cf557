// Package block implements the six block kinds: CHB, OKB, ACB, NB, UB,
// GB. Each kind is a closed, self-validating tagged variant rather than
// a virtual-dispatch hierarchy — Kind() lets callers
// switch, and every concrete type satisfies Block directly.
package block

import (
	"errors"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// Kind tags which of the six block variants a Block is.
type Kind uint8

const (
	KindCHB Kind = iota + 1
	KindOKB
	KindACB
	KindNB
	KindUB
	KindGB
)

func (k Kind) String() string {
	switch k {
	case KindCHB:
		return "CHB"
	case KindOKB:
		return "OKB"
	case KindACB:
		return "ACB"
	case KindNB:
		return "NB"
	case KindUB:
		return "UB"
	case KindGB:
		return "GB"
	default:
		return "unknown"
	}
}

// Block is the common contract every variant satisfies: compute/recompute
// its address, clone, seal (finalize state before storage), validate, and
// carry an optional owner-address pointer.
type Block interface {
	Kind() Kind
	Address() address.Address
	Owner() address.Address
	Payload() []byte
	Clone() Block

	// Seal finalizes the block's state before storage. For mutable kinds
	// this signs the (version, payload) pair; version is ignored for
	// immutable kinds. Seal must be called before a block is handed to
	// the consensus layer.
	Seal(version uint64) error

	// Validate recomputes the address and verifies the signature chain.
	// writing marks a write-time call (true) versus a fetch-time call
	// (false); no kind changes its checks on it. The new-vs-current checks
	// are separate methods (ACB/GB CheckWriterAllowed, NB CheckNoRebind).
	Validate(writing bool) error

	// Version returns the block's version for mutable kinds, or 0 for
	// immutable kinds (which have no version).
	Version() uint64
}

// Mutable is the type Paxos writes take: a Block that also reports the
// hash of the key that signed it. The mutable kinds (OKB, ACB, GB)
// implement it; NB and UB also define WriterKeyHash, so they satisfy it
// as well.
type Mutable interface {
	Block
	// WriterKeyHash is H(signing_pubkey): for OKB it is the key the
	// address derives from; for ACB the owner or an ACL entry with
	// write=true; for GB one of the admins.
	WriterKeyHash() [32]byte
}

// RemoveSignature authorizes deleting a block: for CHB, the declared
// owner's signature over (addr, "remove"); for mutable kinds, the current
// version holder's signature over (addr, version).
type RemoveSignature struct {
	Signature []byte
}

// SignRemoveCHB produces a RemoveSignature for an immutable CHB, signed by
// its declared owner.
func SignRemoveCHB(owner *cryptoutil.PrivateKey, addr address.Address) (RemoveSignature, error) {
	sig, err := owner.Sign(removeMessage(addr, 0, true))
	return RemoveSignature{Signature: sig}, err
}

// VerifyRemoveCHB checks a RemoveSignature against the declared owner's
// public key.
func VerifyRemoveCHB(owner *cryptoutil.PublicKey, addr address.Address, rs RemoveSignature) error {
	return owner.Verify(removeMessage(addr, 0, true), rs.Signature)
}

// SignRemoveMutable produces a RemoveSignature for a mutable block at its
// current version, signed by the current version holder.
func SignRemoveMutable(holder *cryptoutil.PrivateKey, addr address.Address, version uint64) (RemoveSignature, error) {
	sig, err := holder.Sign(removeMessage(addr, version, false))
	return RemoveSignature{Signature: sig}, err
}

// VerifyRemoveMutable checks a RemoveSignature for a mutable block.
func VerifyRemoveMutable(holder *cryptoutil.PublicKey, addr address.Address, version uint64, rs RemoveSignature) error {
	return holder.Verify(removeMessage(addr, version, false), rs.Signature)
}

// VerifyRemove checks that rs authorizes deleting b, using the key
// material b itself carries: the block public key for OKB, the writer key
// for ACB/GB, the owner key for NB/UB. A CHB names its owner only by
// address, so the check is left to a layer that can resolve that address
// to a key; here it passes.
func VerifyRemove(b Block, rs RemoveSignature) error {
	switch v := b.(type) {
	case *OKB:
		return VerifyRemoveMutable(v.pub, v.addr, v.version, rs)
	case *ACB:
		pub, err := cryptoutil.UnmarshalPublic(v.writerPub)
		if err != nil {
			return ErrSignatureInvalid
		}
		return VerifyRemoveMutable(pub, v.addr, v.version, rs)
	case *GB:
		pub, err := cryptoutil.UnmarshalPublic(v.writerPub)
		if err != nil {
			return ErrSignatureInvalid
		}
		return VerifyRemoveMutable(pub, v.addr, v.version, rs)
	case *NB:
		return VerifyRemoveCHB(v.ownerPub, v.addr, rs)
	case *UB:
		return VerifyRemoveCHB(v.pub, v.addr, rs)
	default:
		return nil
	}
}

func removeMessage(addr address.Address, version uint64, immutable bool) []byte {
	msg := make([]byte, 0, address.Size+9)
	msg = append(msg, addr[:]...)
	if immutable {
		return append(msg, "remove"...)
	}
	var v [8]byte
	for i := 0; i < 8; i++ {
		v[i] = byte(version >> (8 * i))
	}
	return append(msg, v[:]...)
}

// Errors returned by Validate. Peers that see ErrAddressMismatch or
// ErrSignatureInvalid should mark the sender suspicious.
var (
	ErrAddressMismatch    = errors.New("block: recomputed address does not match stored address")
	ErrSignatureInvalid   = errors.New("block: signature verification failed")
	ErrNotMonotonic       = errors.New("block: version is not strictly greater than current")
	ErrWriterNotPermitted = errors.New("block: writer key is not permitted to write this block")
	ErrNameRebind         = errors.New("block: name/address binding mismatch")
)
