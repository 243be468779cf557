package block

import (
	"bytes"
	"encoding/binary"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// GB is a Group Block: mutable, like OKB but carrying a member list and an
// admin list instead of a single owner key — any admin may write a new
// version.
type GB struct {
	addr      address.Address
	creator   *cryptoutil.PublicKey
	content   []byte
	members   []*cryptoutil.PublicKey
	admins    []*cryptoutil.PublicKey
	version   uint64
	writerPub []byte
	signature []byte

	signer *cryptoutil.PrivateKey
}

// NewGB constructs a GB created by priv, who is automatically the first
// admin and member.
func NewGB(priv *cryptoutil.PrivateKey, content []byte) *GB {
	pub := priv.Public()
	hash := pub.Hash()
	return &GB{
		addr:    address.New(hash[:]).WithMutable(true),
		creator: pub,
		content: append([]byte(nil), content...),
		members: []*cryptoutil.PublicKey{pub},
		admins:  []*cryptoutil.PublicKey{pub},
		signer:  priv,
	}
}

func (g *GB) Kind() Kind               { return KindGB }
func (g *GB) Address() address.Address { return g.addr }
func (g *GB) Owner() address.Address   { return g.addr }
func (g *GB) Payload() []byte          { return append([]byte(nil), g.content...) }
func (g *GB) Version() uint64          { return g.version }
func (g *GB) Members() []*cryptoutil.PublicKey { return append([]*cryptoutil.PublicKey(nil), g.members...) }
func (g *GB) Admins() []*cryptoutil.PublicKey  { return append([]*cryptoutil.PublicKey(nil), g.admins...) }

func (g *GB) Clone() Block {
	return &GB{
		addr: g.addr, creator: g.creator, content: append([]byte(nil), g.content...),
		members: append([]*cryptoutil.PublicKey(nil), g.members...),
		admins:  append([]*cryptoutil.PublicKey(nil), g.admins...),
		version: g.version, writerPub: append([]byte(nil), g.writerPub...),
		signature: append([]byte(nil), g.signature...), signer: g.signer,
	}
}

func containsKey(keys []*cryptoutil.PublicKey, pub *cryptoutil.PublicKey) bool {
	for _, k := range keys {
		if k.Equal(pub) {
			return true
		}
	}
	return false
}

// AddMember adds pub to the member list if absent. Must be called by an
// admin, enforced at Seal time via the admin check on the signer.
func (g *GB) AddMember(pub *cryptoutil.PublicKey) {
	if !containsKey(g.members, pub) {
		g.members = append(g.members, pub)
	}
}

// AddAdmin promotes pub to admin, adding it as a member too if needed.
func (g *GB) AddAdmin(pub *cryptoutil.PublicKey) {
	if !containsKey(g.admins, pub) {
		g.admins = append(g.admins, pub)
	}
	g.AddMember(pub)
}

// RemoveMember drops pub from both the member and admin lists.
func (g *GB) RemoveMember(pub *cryptoutil.PublicKey) {
	filtered := g.members[:0]
	for _, k := range g.members {
		if !k.Equal(pub) {
			filtered = append(filtered, k)
		}
	}
	g.members = filtered
	adminsFiltered := g.admins[:0]
	for _, k := range g.admins {
		if !k.Equal(pub) {
			adminsFiltered = append(adminsFiltered, k)
		}
	}
	g.admins = adminsFiltered
}

func gbRosterDigest(members, admins []*cryptoutil.PublicKey) ([]byte, error) {
	var buf bytes.Buffer
	for _, k := range members {
		der, err := k.MarshalPublic()
		if err != nil {
			return nil, err
		}
		buf.WriteByte('m')
		buf.Write(der)
	}
	for _, k := range admins {
		der, err := k.MarshalPublic()
		if err != nil {
			return nil, err
		}
		buf.WriteByte('a')
		buf.Write(der)
	}
	return buf.Bytes(), nil
}

func gbSignMessage(version uint64, content, rosterDigest []byte) []byte {
	msg := make([]byte, 8, 8+len(content)+len(rosterDigest))
	binary.BigEndian.PutUint64(msg, version)
	msg = append(msg, content...)
	msg = append(msg, rosterDigest...)
	return msg
}

// Seal signs (version, content, roster) with the held key, which must
// belong to an admin. version follows the same monotonic rule as OKB.
func (g *GB) Seal(version uint64) error {
	if g.signer == nil {
		return ErrWriterNotPermitted
	}
	signerPub := g.signer.Public()
	if !containsKey(g.admins, signerPub) {
		return ErrWriterNotPermitted
	}
	if version <= g.version && !(g.version == 0 && version == 1) {
		return ErrNotMonotonic
	}
	digest, err := gbRosterDigest(g.members, g.admins)
	if err != nil {
		return err
	}
	sig, err := g.signer.Sign(gbSignMessage(version, g.content, digest))
	if err != nil {
		return err
	}
	der, err := signerPub.MarshalPublic()
	if err != nil {
		return err
	}
	g.version = version
	g.signature = sig
	g.writerPub = der
	return nil
}

func (g *GB) WriterKeyHash() [32]byte {
	pub, err := cryptoutil.UnmarshalPublic(g.writerPub)
	if err != nil {
		return [32]byte{}
	}
	return pub.Hash()
}

// Validate recomputes H(creator_pubkey), verifies the signature over the
// current (version, content, roster), and checks the signer was an admin
// of that same roster — the self-consistency half of the GB write rule.
func (g *GB) Validate(writing bool) error {
	hash := g.creator.Hash()
	if address.New(hash[:]).WithMutable(true) != g.addr {
		return ErrAddressMismatch
	}
	writerPub, err := cryptoutil.UnmarshalPublic(g.writerPub)
	if err != nil {
		return ErrSignatureInvalid
	}
	digest, err := gbRosterDigest(g.members, g.admins)
	if err != nil {
		return err
	}
	if err := writerPub.Verify(gbSignMessage(g.version, g.content, digest), g.signature); err != nil {
		return ErrSignatureInvalid
	}
	if !containsKey(g.admins, writerPub) {
		return ErrWriterNotPermitted
	}
	return nil
}

// CheckWriterAllowed verifies g's writer was an admin under prev's roster
// — the consensus-level new-vs-current check for GB writes, mirroring
// ACB.CheckWriterAllowed.
func (g *GB) CheckWriterAllowed(prev *GB) error {
	writerPub, err := cryptoutil.UnmarshalPublic(g.writerPub)
	if err != nil {
		return ErrSignatureInvalid
	}
	if containsKey(prev.admins, writerPub) {
		return nil
	}
	return ErrWriterNotPermitted
}
