// Package address implements the 32-byte content/owner identifiers that
// every block, silo entry, and quorum member is keyed by.
package address

import (
	"bytes"
	"encoding/hex"
)

// Size is the fixed length of an Address in bytes.
const Size = 32

// flagByte is the index of the byte that distinguishes mutable from
// immutable addresses. Bit 0 of that byte is the mutability flag.
const flagByte = Size - 1

// Address is a 32-byte block identifier. The last byte is the flag byte:
// bit 0 clear means mutable, bit 0 set means immutable.
type Address [Size]byte

// Null is the sentinel "unset owner" address: all zero bytes.
var Null = Address{}

// immutableBit is set in the flag byte of immutable addresses; mutable
// addresses leave it clear.
const (
	immutableBit = 1 << 0
)

// New builds an Address from raw content bytes, copying at most Size bytes
// and zero-padding the remainder. The caller is responsible for setting the
// correct mutability flag via WithMutable if the raw bytes did not already
// encode one (block constructors always do this explicitly).
func New(content []byte) Address {
	var a Address
	copy(a[:], content)
	return a
}

// WithMutable returns a copy of a with the flag byte set to mark the
// address mutable (true) or immutable (false).
func (a Address) WithMutable(mutable bool) Address {
	out := a
	if mutable {
		out[flagByte] &^= immutableBit
	} else {
		out[flagByte] |= immutableBit
	}
	return out
}

// IsMutable reports whether the flag byte marks this address mutable.
func (a Address) IsMutable() bool {
	return a[flagByte]&immutableBit == 0
}

// IsNull reports whether a is the all-zero sentinel address.
func (a Address) IsNull() bool {
	return a == Null
}

// Bytes returns a's bytes as a fresh slice.
func (a Address) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, a[:])
	return out
}

// Compare gives the lexicographic total order over the full 32 bytes,
// including the flag byte.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

// Equal is exact equality, including the flag byte.
func (a Address) Equal(b Address) bool {
	return a == b
}

// EqualUnflagged reports whether a and b are equal ignoring the flag byte.
//
// This is a legacy-compat helper only, kept for interoperability with
// stores written before the flag byte existed. Do not use it for address ordering
// or as a map key substitute — two addresses that differ only in their
// mutability flag are never the same logical block.
func (a Address) EqualUnflagged(b Address) bool {
	return bytes.Equal(a[:flagByte], b[:flagByte])
}

// String renders the address as lowercase hex.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// FromHex parses a hex-encoded 32-byte address.
func FromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, err
	}
	if len(b) != Size {
		return a, errInvalidLength
	}
	copy(a[:], b)
	return a, nil
}
