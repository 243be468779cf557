package address

import "testing"

func TestNullIsZero(t *testing.T) {
	if !Null.IsNull() {
		t.Fatalf("Null.IsNull() = false")
	}
	var zero Address
	if !Null.Equal(zero) {
		t.Fatalf("Null != zero value")
	}
}

func TestMutableFlag(t *testing.T) {
	a := New([]byte("hello"))
	mut := a.WithMutable(true)
	imm := a.WithMutable(false)

	if !mut.IsMutable() {
		t.Fatalf("expected mutable flag set")
	}
	if imm.IsMutable() {
		t.Fatalf("expected mutable flag clear")
	}
	if !mut.EqualUnflagged(imm) {
		t.Fatalf("expected EqualUnflagged to ignore flag byte")
	}
	if mut.Equal(imm) {
		t.Fatalf("expected Equal to distinguish flag byte")
	}
}

func TestMutableFlagBitConvention(t *testing.T) {
	a := New([]byte("convention"))

	// Bit 0 of the flag byte is clear for mutable addresses and set for
	// immutable ones.
	mut := a.WithMutable(true)
	if mut[Size-1]&1 != 0 {
		t.Fatalf("mutable address flag byte = %#x, want bit 0 clear", mut[Size-1])
	}
	imm := a.WithMutable(false)
	if imm[Size-1]&1 != 1 {
		t.Fatalf("immutable address flag byte = %#x, want bit 0 set", imm[Size-1])
	}
}

func TestCompareOrder(t *testing.T) {
	a := Address{0x01}
	b := Address{0x02}
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a < b")
	}
	if b.Compare(a) <= 0 {
		t.Fatalf("expected b > a")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestHexRoundTrip(t *testing.T) {
	a := New([]byte("round-trip-content"))
	s := a.String()
	got, err := FromHex(s)
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	if got != a {
		t.Fatalf("round trip mismatch: got %s want %s", got, a)
	}
}

func TestFromHexInvalidLength(t *testing.T) {
	if _, err := FromHex("abcd"); err == nil {
		t.Fatalf("expected error for short hex")
	}
}
