package block

import (
	"crypto/sha256"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/memofed/memo/address"
)

// CHB is a Content-Hashed Block: immutable, addressed by
// H(content ‖ salt ‖ owner_address), writable by anyone since the address
// is derived from the content itself.
type CHB struct {
	addr    address.Address
	content []byte
	salt    []byte
	owner   address.Address
}

// NewCHB builds a CHB over content, salt, and an optional owner address
// (address.Null if none), computing its address immediately.
func NewCHB(content, salt []byte, owner address.Address) *CHB {
	c := &CHB{content: append([]byte(nil), content...), salt: append([]byte(nil), salt...), owner: owner}
	c.addr = chbAddress(content, salt, owner).WithMutable(false)
	return c
}

func chbAddress(content, salt []byte, owner address.Address) address.Address {
	h := sha256.New()
	h.Write(content)
	h.Write(salt)
	h.Write(owner[:])
	return address.New(h.Sum(nil))
}

func (c *CHB) Kind() Kind               { return KindCHB }
func (c *CHB) Address() address.Address { return c.addr }
func (c *CHB) Owner() address.Address   { return c.owner }
func (c *CHB) Payload() []byte          { return append([]byte(nil), c.content...) }
func (c *CHB) Version() uint64          { return 0 }

func (c *CHB) Clone() Block {
	return &CHB{addr: c.addr, content: append([]byte(nil), c.content...), salt: append([]byte(nil), c.salt...), owner: c.owner}
}

// Seal is a no-op for CHB: the address already commits to the content, and
// there is no signature to produce. version is ignored.
func (c *CHB) Seal(version uint64) error { return nil }

// Validate recomputes H(content‖salt‖owner) and compares it to the stored
// address.
func (c *CHB) Validate(writing bool) error {
	want := chbAddress(c.content, c.salt, c.owner).WithMutable(false)
	if want != c.addr {
		return ErrAddressMismatch
	}
	return nil
}

// CID returns an IPFS-style CIDv1 (raw codec, SHA2-256) over the CHB's
// content, for interop with gateway-style consumers.
func (c *CHB) CID() (cid.Cid, error) {
	sum, err := mh.Sum(c.content, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}
