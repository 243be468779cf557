package block

import (
	"bytes"
	"encoding/binary"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// ACLEntry is one (public_key, read, write, wrapped_key) row of an ACB's
// access control list.
type ACLEntry struct {
	PublicKey  *cryptoutil.PublicKey
	Read       bool
	Write      bool
	WrappedKey []byte // present iff Read: the payload key wrapped for PublicKey
}

// ACB is an Access-Controlled Block: mutable, same address derivation as
// OKB (H(owner_pubkey)), but writable by the owner or any ACL entry with
// write=true, and optionally payload-encrypted per ACL entry.
type ACB struct {
	addr       address.Address
	ownerPub   *cryptoutil.PublicKey
	content    []byte // plaintext, or ciphertext if encrypted
	encrypted  bool
	ownerToken []byte // payload key wrapped for the owner
	acl        []ACLEntry
	version    uint64

	writerPub []byte // DER of the key that produced signature below
	signature []byte
	aclSig    []byte // writer signature over the ACL, for integrity checks

	signer  *cryptoutil.PrivateKey
	sealKey *cryptoutil.SealKey // set only when encrypted and held locally
}

// NewACB constructs an ACB owned by priv. If encrypt is true, a fresh
// random payload key is generated and wrapped for the owner.
func NewACB(priv *cryptoutil.PrivateKey, content []byte, encrypt bool) (*ACB, error) {
	ownerPub := priv.Public()
	hash := ownerPub.Hash()
	a := &ACB{
		addr:      address.New(hash[:]).WithMutable(true),
		ownerPub:  ownerPub,
		encrypted: encrypt,
		signer:    priv,
	}
	if encrypt {
		key, err := cryptoutil.NewRandomKey()
		if err != nil {
			return nil, err
		}
		a.sealKey = &key
		wrapped, err := cryptoutil.WrapKeyForRSA(ownerPub, key)
		if err != nil {
			return nil, err
		}
		a.ownerToken = wrapped
		sealed, err := cryptoutil.Seal(key, content)
		if err != nil {
			return nil, err
		}
		a.content = sealed
	} else {
		a.content = append([]byte(nil), content...)
	}
	return a, nil
}

func (a *ACB) Kind() Kind               { return KindACB }
func (a *ACB) Address() address.Address { return a.addr }
func (a *ACB) Owner() address.Address   { return a.addr }
func (a *ACB) Version() uint64          { return a.version }
func (a *ACB) ACL() []ACLEntry          { return append([]ACLEntry(nil), a.acl...) }

// Payload returns the raw stored bytes (ciphertext if encrypted). Use
// Decrypt to recover plaintext when Encrypted() is true.
func (a *ACB) Payload() []byte { return append([]byte(nil), a.content...) }
func (a *ACB) Encrypted() bool { return a.encrypted }

func (a *ACB) Clone() Block {
	c := &ACB{
		addr: a.addr, ownerPub: a.ownerPub, content: append([]byte(nil), a.content...),
		encrypted: a.encrypted, ownerToken: append([]byte(nil), a.ownerToken...),
		acl: append([]ACLEntry(nil), a.acl...), version: a.version,
		writerPub: append([]byte(nil), a.writerPub...), signature: append([]byte(nil), a.signature...),
		aclSig: append([]byte(nil), a.aclSig...), signer: a.signer, sealKey: a.sealKey,
	}
	return c
}

// Decrypt returns the plaintext payload for an encrypted ACB, given the
// caller's private key to unwrap their ACL entry's wrapped key. Returns
// ErrWriterNotPermitted if pub holds no read-capable wrapped key — for
// example after an ACL revoke.
func (a *ACB) Decrypt(priv *cryptoutil.PrivateKey) ([]byte, error) {
	if !a.encrypted {
		return a.Payload(), nil
	}
	pub := priv.Public()
	var wrapped []byte
	if pub.Equal(a.ownerPub) {
		wrapped = a.ownerToken
	} else {
		for _, e := range a.acl {
			if e.Read && e.PublicKey.Equal(pub) {
				wrapped = e.WrappedKey
				break
			}
		}
	}
	if wrapped == nil {
		return nil, ErrWriterNotPermitted
	}
	key, err := cryptoutil.UnwrapKeyWithRSA(priv, wrapped)
	if err != nil {
		return nil, ErrSignatureInvalid
	}
	return cryptoutil.Open(key, a.content)
}

// SetPermission adds or edits the ACL entry for pub, granting read and/or
// write. Setting read=true on an encrypted ACB wraps the current payload
// key for pub; setting read=false drops any existing wrapped key,
// revoking access. This invalidates the cached signature: the caller must
// Seal again before the change takes effect.
func (a *ACB) SetPermission(pub *cryptoutil.PublicKey, read, write bool) error {
	for i := range a.acl {
		if a.acl[i].PublicKey.Equal(pub) {
			a.acl[i].Read = read
			a.acl[i].Write = write
			a.acl[i].WrappedKey = nil
			break
		}
	}
	found := false
	for i := range a.acl {
		if a.acl[i].PublicKey.Equal(pub) {
			found = true
			if read && a.encrypted && a.sealKey != nil {
				wrapped, err := cryptoutil.WrapKeyForRSA(pub, *a.sealKey)
				if err != nil {
					return err
				}
				a.acl[i].WrappedKey = wrapped
			}
		}
	}
	if !found {
		entry := ACLEntry{PublicKey: pub, Read: read, Write: write}
		if read && a.encrypted && a.sealKey != nil {
			wrapped, err := cryptoutil.WrapKeyForRSA(pub, *a.sealKey)
			if err != nil {
				return err
			}
			entry.WrappedKey = wrapped
		}
		a.acl = append(a.acl, entry)
	}
	a.signature = nil
	a.aclSig = nil
	return nil
}

func aclSignMessage(acl []ACLEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range acl {
		der, err := e.PublicKey.MarshalPublic()
		if err != nil {
			return nil, err
		}
		buf.Write(der)
		if e.Read {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		if e.Write {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes(), nil
}

func acbSignMessage(version uint64, content []byte, aclDigest []byte) []byte {
	msg := make([]byte, 8, 8+len(content)+len(aclDigest))
	binary.BigEndian.PutUint64(msg, version)
	msg = append(msg, content...)
	msg = append(msg, aclDigest...)
	return msg
}

// Seal signs the current (version, content, acl) with the held private
// key, which must be the owner or an ACL entry with write=true.
func (a *ACB) Seal(version uint64) error {
	if a.signer == nil {
		return ErrWriterNotPermitted
	}
	signerPub := a.signer.Public()
	if !signerPub.Equal(a.ownerPub) {
		allowed := false
		for _, e := range a.acl {
			if e.Write && e.PublicKey.Equal(signerPub) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrWriterNotPermitted
		}
	}
	if version <= a.version && !(a.version == 0 && version == 1) {
		return ErrNotMonotonic
	}
	aclDigest, err := aclSignMessage(a.acl)
	if err != nil {
		return err
	}
	sig, err := a.signer.Sign(acbSignMessage(version, a.content, aclDigest))
	if err != nil {
		return err
	}
	aclSig, err := a.signer.Sign(aclDigest)
	if err != nil {
		return err
	}
	der, err := signerPub.MarshalPublic()
	if err != nil {
		return err
	}
	a.version = version
	a.signature = sig
	a.aclSig = aclSig
	a.writerPub = der
	return nil
}

func (a *ACB) WriterKeyHash() [32]byte {
	pub, err := cryptoutil.UnmarshalPublic(a.writerPub)
	if err != nil {
		return [32]byte{}
	}
	return pub.Hash()
}

// Validate recomputes the owner-derived address, verifies the payload
// signature against the embedded writer key, and checks that writer is
// either the owner or an ACL entry with write=true — the self-consistency
// half of the write rule. The cross-version "still holds write
// permission" check is CheckWriterAllowed, invoked by consensus against
// the previously-committed ACB.
func (a *ACB) Validate(writing bool) error {
	hash := a.ownerPub.Hash()
	if address.New(hash[:]).WithMutable(true) != a.addr {
		return ErrAddressMismatch
	}
	writerPub, err := cryptoutil.UnmarshalPublic(a.writerPub)
	if err != nil {
		return ErrSignatureInvalid
	}
	aclDigest, err := aclSignMessage(a.acl)
	if err != nil {
		return err
	}
	if err := writerPub.Verify(acbSignMessage(a.version, a.content, aclDigest), a.signature); err != nil {
		return ErrSignatureInvalid
	}
	if !writerPub.Equal(a.ownerPub) {
		permitted := false
		for _, e := range a.acl {
			if e.Write && e.PublicKey.Equal(writerPub) {
				permitted = true
				break
			}
		}
		if !permitted {
			return ErrWriterNotPermitted
		}
	}
	if err := writerPub.Verify(aclDigest, a.aclSig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// CheckWriterAllowed verifies that a's writer was permitted to write under
// prev's ACL (or is prev's owner) — the consensus-level new-vs-current
// check for ACB writes.
func (a *ACB) CheckWriterAllowed(prev *ACB) error {
	writerPub, err := cryptoutil.UnmarshalPublic(a.writerPub)
	if err != nil {
		return ErrSignatureInvalid
	}
	if writerPub.Equal(prev.ownerPub) {
		return nil
	}
	for _, e := range prev.acl {
		if e.Write && e.PublicKey.Equal(writerPub) {
			return nil
		}
	}
	return ErrWriterNotPermitted
}
