package block

import (
	"encoding/binary"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// OKB is an Owner Key Block: mutable, addressed by H(block_pubkey),
// writable only by the holder of the corresponding private key.
type OKB struct {
	addr      address.Address
	pub       *cryptoutil.PublicKey
	content   []byte
	version   uint64
	signature []byte

	signer *cryptoutil.PrivateKey // local-only; nil on a fetched/remote copy
}

// NewOKB constructs an OKB owned by priv, with its address derived from
// priv's public key. The caller must call Seal before storing it.
func NewOKB(priv *cryptoutil.PrivateKey, content []byte) *OKB {
	pub := priv.Public()
	hash := pub.Hash()
	return &OKB{
		addr:    address.New(hash[:]).WithMutable(true),
		pub:     pub,
		content: append([]byte(nil), content...),
		signer:  priv,
	}
}

// NewOKBFromWire reconstructs an OKB received over the wire or loaded from
// a silo; it has no signer and can only be validated, not re-sealed.
func NewOKBFromWire(addr address.Address, pub *cryptoutil.PublicKey, content []byte, version uint64, signature []byte) *OKB {
	return &OKB{addr: addr, pub: pub, content: append([]byte(nil), content...), version: version, signature: append([]byte(nil), signature...)}
}

func (o *OKB) Kind() Kind               { return KindOKB }
func (o *OKB) Address() address.Address { return o.addr }
func (o *OKB) Owner() address.Address   { return o.addr }
func (o *OKB) Payload() []byte          { return append([]byte(nil), o.content...) }
func (o *OKB) Version() uint64          { return o.version }
func (o *OKB) PublicKey() *cryptoutil.PublicKey { return o.pub }
func (o *OKB) Signature() []byte        { return append([]byte(nil), o.signature...) }

func (o *OKB) Clone() Block {
	return &OKB{addr: o.addr, pub: o.pub, content: append([]byte(nil), o.content...), version: o.version, signature: append([]byte(nil), o.signature...), signer: o.signer}
}

// WithContent returns a clone with new content, ready for the next Seal.
// The caller increments the version by calling Seal with version > current.
func (o *OKB) WithContent(content []byte) *OKB {
	c := o.Clone().(*OKB)
	c.content = append([]byte(nil), content...)
	return c
}

func okbSignMessage(version uint64, content []byte) []byte {
	msg := make([]byte, 8, 8+len(content))
	binary.BigEndian.PutUint64(msg, version)
	return append(msg, content...)
}

// Seal signs (version, content) with the held private key. version must
// be strictly greater than the block's current version, except for the
// initial seal where version starts at 0 and the caller passes 1.
func (o *OKB) Seal(version uint64) error {
	if o.signer == nil {
		return ErrWriterNotPermitted
	}
	if version <= o.version && !(o.version == 0 && version == 1) {
		return ErrNotMonotonic
	}
	sig, err := o.signer.Sign(okbSignMessage(version, o.content))
	if err != nil {
		return err
	}
	o.version = version
	o.signature = sig
	return nil
}

func (o *OKB) WriterKeyHash() [32]byte { return o.pub.Hash() }

// Validate recomputes H(pubkey) against the stored address and verifies
// the payload signature.
func (o *OKB) Validate(writing bool) error {
	hash := o.pub.Hash()
	if address.New(hash[:]).WithMutable(true) != o.addr {
		return ErrAddressMismatch
	}
	if err := o.pub.Verify(okbSignMessage(o.version, o.content), o.signature); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}
