package block

import (
	"testing"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

func mustKey(t *testing.T) *cryptoutil.PrivateKey {
	t.Helper()
	priv, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return priv
}

func TestCHBRoundTrip(t *testing.T) {
	c := NewCHB([]byte("hello"), []byte("salt0"), address.Null)
	if err := c.Validate(false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	wire, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Address() != c.Address() {
		t.Fatalf("address mismatch after round trip")
	}
	if err := got.Validate(false); err != nil {
		t.Fatalf("Validate after round trip: %v", err)
	}
}

func TestCHBTamperedContentFailsValidate(t *testing.T) {
	c := NewCHB([]byte("hello"), []byte("salt0"), address.Null)
	c.content = []byte("goodbye")
	if err := c.Validate(false); err != ErrAddressMismatch {
		t.Fatalf("got %v, want ErrAddressMismatch", err)
	}
}

func TestOKBVersioning(t *testing.T) {
	priv := mustKey(t)
	o := NewOKB(priv, []byte("v1"))
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal v1: %v", err)
	}
	if err := o.Validate(true); err != nil {
		t.Fatalf("Validate v1: %v", err)
	}

	o2 := o.WithContent([]byte("v2"))
	if err := o2.Seal(2); err != nil {
		t.Fatalf("Seal v2: %v", err)
	}
	if err := o2.Validate(true); err != nil {
		t.Fatalf("Validate v2: %v", err)
	}

	stale := o.WithContent([]byte("concurrent"))
	if err := stale.Seal(2); err != ErrNotMonotonic {
		t.Fatalf("got %v, want ErrNotMonotonic for a concurrent same-version write", err)
	}
}

func TestOKBWireCopyCannotSeal(t *testing.T) {
	priv := mustKey(t)
	o := NewOKB(priv, []byte("v1"))
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	wire, err := Encode(o)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	okb := decoded.(*OKB)
	if err := okb.Validate(true); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := okb.Seal(2); err != ErrWriterNotPermitted {
		t.Fatalf("got %v, want ErrWriterNotPermitted for a signer-less copy", err)
	}
}

func TestOKBForgedWriterKeyFailsValidate(t *testing.T) {
	priv := mustKey(t)
	other := mustKey(t)
	o := NewOKB(priv, []byte("v1"))
	if err := o.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	forged := NewOKBFromWire(o.Address(), other.Public(), o.Payload(), o.Version(), o.signature)
	if err := forged.Validate(true); err != ErrAddressMismatch {
		t.Fatalf("got %v, want ErrAddressMismatch for a wrong address/key pairing", err)
	}
}

func TestACBEncryptDecryptAndRevoke(t *testing.T) {
	owner := mustKey(t)
	reader := mustKey(t)

	a, err := NewACB(owner, []byte("secret notes"), true)
	if err != nil {
		t.Fatalf("NewACB: %v", err)
	}
	if err := a.SetPermission(reader.Public(), true, false); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	if err := a.Seal(1); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := a.Validate(true); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	plain, err := a.Decrypt(reader)
	if err != nil {
		t.Fatalf("Decrypt as granted reader: %v", err)
	}
	if string(plain) != "secret notes" {
		t.Fatalf("got %q", plain)
	}

	if err := a.SetPermission(reader.Public(), false, false); err != nil {
		t.Fatalf("SetPermission revoke: %v", err)
	}
	if err := a.Seal(2); err != nil {
		t.Fatalf("Seal after revoke: %v", err)
	}
	if _, err := a.Decrypt(reader); err != ErrWriterNotPermitted {
		t.Fatalf("got %v, want ErrWriterNotPermitted after revoke", err)
	}
}

func TestACBWriteRequiresACLEntry(t *testing.T) {
	owner := mustKey(t)
	writer := mustKey(t)

	a, err := NewACB(owner, []byte("content"), false)
	if err != nil {
		t.Fatalf("NewACB: %v", err)
	}
	if err := a.Seal(1); err != nil {
		t.Fatalf("Seal by owner: %v", err)
	}

	borrowed := a.Clone().(*ACB)
	borrowed.signer = writer
	if err := borrowed.Seal(2); err != ErrWriterNotPermitted {
		t.Fatalf("got %v, want ErrWriterNotPermitted for a non-ACL writer", err)
	}

	if err := a.SetPermission(writer.Public(), false, true); err != nil {
		t.Fatalf("SetPermission grant write: %v", err)
	}
	borrowed2 := a.Clone().(*ACB)
	borrowed2.signer = writer
	if err := borrowed2.Seal(2); err != nil {
		t.Fatalf("Seal by granted writer: %v", err)
	}
	if err := borrowed2.Validate(true); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := borrowed2.CheckWriterAllowed(a); err != nil {
		t.Fatalf("CheckWriterAllowed against prior version: %v", err)
	}
}

func TestNBRebind(t *testing.T) {
	priv := mustKey(t)
	target1 := address.New([]byte("target-one"))
	target2 := address.New([]byte("target-two"))

	n1 := NewNB(priv, "alice", target1)
	if err := n1.Seal(0); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := n1.Validate(true); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	n2 := NewNB(priv, "alice", target2)
	if err := n2.Seal(0); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if n2.Address() != n1.Address() {
		t.Fatalf("expected same address for the same (owner, name)")
	}
	if err := n2.CheckNoRebind(n1); err != ErrNameRebind {
		t.Fatalf("got %v, want ErrNameRebind", err)
	}
}

func TestUBForwardAndReverse(t *testing.T) {
	priv := mustKey(t)
	fwd := NewForwardUB(priv, "alice")
	if err := fwd.Seal(0); err != nil {
		t.Fatalf("Seal forward: %v", err)
	}
	if err := fwd.Validate(false); err != nil {
		t.Fatalf("Validate forward: %v", err)
	}

	rev := NewReverseUB(priv, "alice")
	if err := rev.Seal(0); err != nil {
		t.Fatalf("Seal reverse: %v", err)
	}
	if err := rev.Validate(false); err != nil {
		t.Fatalf("Validate reverse: %v", err)
	}
	if fwd.Address() == rev.Address() {
		t.Fatalf("forward and reverse UB must not collide")
	}
}

func TestGBAdminWrite(t *testing.T) {
	creator := mustKey(t)
	admin2 := mustKey(t)
	outsider := mustKey(t)

	g := NewGB(creator, []byte("v1"))
	g.AddAdmin(admin2.Public())
	if err := g.Seal(1); err != nil {
		t.Fatalf("Seal by creator: %v", err)
	}
	if err := g.Validate(true); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	borrowed := g.Clone().(*GB)
	borrowed.signer = admin2
	if err := borrowed.Seal(2); err != nil {
		t.Fatalf("Seal by second admin: %v", err)
	}
	if err := borrowed.Validate(true); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := borrowed.CheckWriterAllowed(g); err != nil {
		t.Fatalf("CheckWriterAllowed: %v", err)
	}

	outsiderCopy := g.Clone().(*GB)
	outsiderCopy.signer = outsider
	if err := outsiderCopy.Seal(2); err != ErrWriterNotPermitted {
		t.Fatalf("got %v, want ErrWriterNotPermitted for a non-admin writer", err)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindCHB: "CHB", KindOKB: "OKB", KindACB: "ACB",
		KindNB: "NB", KindUB: "UB", KindGB: "GB", Kind(99): "unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
