package block

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// wireACLEntry is the RLP-encodable form of an ACLEntry.
type wireACLEntry struct {
	PubKey     []byte
	Read       bool
	Write      bool
	WrappedKey []byte
}

// envelope is the single flattened wire shape every block kind encodes
// into and decodes out of: (block_type_tag, version, payload) for the
// base case, with the mutable and ACB extension fields
// present but zero-valued when not applicable to a given Kind. This
// mirrors the tagged-variant approach block.go documents: one envelope,
// one Kind byte, instead of per-variant wire messages.
type envelope struct {
	Kind      uint8
	Version   uint64
	Addr      []byte
	Content   []byte
	WriterPub []byte
	Signature []byte

	// CHB
	Salt  []byte
	Owner []byte

	// ACB
	ACL        []wireACLEntry
	OwnerToken []byte
	Encrypted  bool
	AclSig     []byte
	OwnerPub   []byte

	// NB
	Name   string
	Target []byte

	// UB
	Username string
	Mode     uint8
	UBPub    []byte

	// GB
	Members []byte // concatenated DER-marshaled keys, length-prefixed
	Admins  []byte
	Creator []byte
}

func packKeys(keys []*cryptoutil.PublicKey) ([]byte, error) {
	var out []byte
	for _, k := range keys {
		der, err := k.MarshalPublic()
		if err != nil {
			return nil, err
		}
		if len(der) > 0xffff {
			return nil, fmt.Errorf("block: public key DER too large to pack")
		}
		out = append(out, byte(len(der)>>8), byte(len(der)))
		out = append(out, der...)
	}
	return out, nil
}

func unpackKeys(data []byte) ([]*cryptoutil.PublicKey, error) {
	var keys []*cryptoutil.PublicKey
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("block: truncated key list")
		}
		n := int(data[0])<<8 | int(data[1])
		data = data[2:]
		if len(data) < n {
			return nil, fmt.Errorf("block: truncated key list entry")
		}
		pub, err := cryptoutil.UnmarshalPublic(data[:n])
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
		data = data[n:]
	}
	return keys, nil
}

// Encode serializes a Block into its RLP wire form.
func Encode(b Block) ([]byte, error) {
	env := envelope{Kind: uint8(b.Kind()), Version: b.Version()}
	addr := b.Address()
	env.Addr = addr[:]

	switch v := b.(type) {
	case *CHB:
		env.Content = v.content
		env.Salt = v.salt
		env.Owner = v.owner[:]
	case *OKB:
		der, err := v.pub.MarshalPublic()
		if err != nil {
			return nil, err
		}
		env.Content = v.content
		env.WriterPub = der
		env.Signature = v.signature
	case *ACB:
		ownerDER, err := v.ownerPub.MarshalPublic()
		if err != nil {
			return nil, err
		}
		wireACL := make([]wireACLEntry, len(v.acl))
		for i, e := range v.acl {
			der, err := e.PublicKey.MarshalPublic()
			if err != nil {
				return nil, err
			}
			wireACL[i] = wireACLEntry{PubKey: der, Read: e.Read, Write: e.Write, WrappedKey: e.WrappedKey}
		}
		env.Content = v.content
		env.WriterPub = v.writerPub
		env.Signature = v.signature
		env.OwnerPub = ownerDER
		env.ACL = wireACL
		env.OwnerToken = v.ownerToken
		env.Encrypted = v.encrypted
		env.AclSig = v.aclSig
	case *NB:
		der, err := v.ownerPub.MarshalPublic()
		if err != nil {
			return nil, err
		}
		env.Name = v.name
		env.Target = v.target[:]
		env.WriterPub = der
		env.Signature = v.signature
	case *UB:
		der, err := v.pub.MarshalPublic()
		if err != nil {
			return nil, err
		}
		env.Username = v.username
		env.Mode = uint8(v.mode)
		env.UBPub = der
		env.Signature = v.signature
	case *GB:
		creatorDER, err := v.creator.MarshalPublic()
		if err != nil {
			return nil, err
		}
		members, err := packKeys(v.members)
		if err != nil {
			return nil, err
		}
		admins, err := packKeys(v.admins)
		if err != nil {
			return nil, err
		}
		env.Content = v.content
		env.Creator = creatorDER
		env.Members = members
		env.Admins = admins
		env.WriterPub = v.writerPub
		env.Signature = v.signature
	default:
		return nil, fmt.Errorf("block: unknown kind %T", b)
	}
	return rlp.EncodeToBytes(&env)
}

// Decode parses an RLP wire envelope back into a concrete Block. The
// result has no signer and must be Validated, not re-Sealed, by the
// caller (it represents data received from a peer or read from storage).
func Decode(data []byte) (Block, error) {
	var env envelope
	if err := rlp.DecodeBytes(data, &env); err != nil {
		return nil, err
	}
	addr, err := addressFromBytes(env.Addr)
	if err != nil {
		return nil, err
	}
	switch Kind(env.Kind) {
	case KindCHB:
		owner, err := addressFromBytes(env.Owner)
		if err != nil {
			return nil, err
		}
		c := &CHB{addr: addr, content: env.Content, salt: env.Salt, owner: owner}
		return c, nil
	case KindOKB:
		pub, err := cryptoutil.UnmarshalPublic(env.WriterPub)
		if err != nil {
			return nil, err
		}
		return NewOKBFromWire(addr, pub, env.Content, env.Version, env.Signature), nil
	case KindACB:
		ownerPub, err := cryptoutil.UnmarshalPublic(env.OwnerPub)
		if err != nil {
			return nil, err
		}
		acl := make([]ACLEntry, len(env.ACL))
		for i, e := range env.ACL {
			pub, err := cryptoutil.UnmarshalPublic(e.PubKey)
			if err != nil {
				return nil, err
			}
			acl[i] = ACLEntry{PublicKey: pub, Read: e.Read, Write: e.Write, WrappedKey: e.WrappedKey}
		}
		a := &ACB{
			addr: addr, ownerPub: ownerPub, content: env.Content, encrypted: env.Encrypted,
			ownerToken: env.OwnerToken, acl: acl, version: env.Version,
			writerPub: env.WriterPub, signature: env.Signature, aclSig: env.AclSig,
		}
		return a, nil
	case KindNB:
		pub, err := cryptoutil.UnmarshalPublic(env.WriterPub)
		if err != nil {
			return nil, err
		}
		target, err := addressFromBytes(env.Target)
		if err != nil {
			return nil, err
		}
		return &NB{addr: addr, ownerPub: pub, name: env.Name, target: target, signature: env.Signature}, nil
	case KindUB:
		pub, err := cryptoutil.UnmarshalPublic(env.UBPub)
		if err != nil {
			return nil, err
		}
		return &UB{addr: addr, mode: UBMode(env.Mode), username: env.Username, pub: pub, signature: env.Signature}, nil
	case KindGB:
		creator, err := cryptoutil.UnmarshalPublic(env.Creator)
		if err != nil {
			return nil, err
		}
		members, err := unpackKeys(env.Members)
		if err != nil {
			return nil, err
		}
		admins, err := unpackKeys(env.Admins)
		if err != nil {
			return nil, err
		}
		return &GB{
			addr: addr, creator: creator, content: env.Content, members: members, admins: admins,
			version: env.Version, writerPub: env.WriterPub, signature: env.Signature,
		}, nil
	default:
		return nil, fmt.Errorf("block: unknown wire kind %d", env.Kind)
	}
}

func addressFromBytes(b []byte) (address.Address, error) {
	var a address.Address
	if len(b) != address.Size {
		return a, fmt.Errorf("block: address field is %d bytes, want %d", len(b), address.Size)
	}
	copy(a[:], b)
	return a, nil
}
