package passport

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

func TestPassportVerifyRoundTrip(t *testing.T) {
	owner := mustKey(t)
	user := mustKey(t)
	p, err := New(owner, user.Public(), "my-network", nil, true, true, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Verify(owner.Public()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestPassportRejectsWrongOwner(t *testing.T) {
	owner := mustKey(t)
	impostor := mustKey(t)
	user := mustKey(t)
	p, err := New(owner, user.Public(), "my-network", nil, true, true, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Verify(impostor.Public()); err != ErrVerificationFailed {
		t.Fatalf("got %v, want ErrVerificationFailed", err)
	}
}

func TestPassportCertifierDelegation(t *testing.T) {
	owner := mustKey(t)
	certifier := mustKey(t)
	user := mustKey(t)

	p, err := New(owner, user.Public(), "my-network", certifier.Public(), true, false, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Re-sign with the certifier's key instead of the owner's, as if the
	// owner delegated issuance.
	delegated := WithSignature(*p, nil)
	sig, err := certifier.Sign(delegated.signMessage())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	delegated = WithSignature(*delegated, sig)
	if err := delegated.Verify(owner.Public()); err != nil {
		t.Fatalf("Verify via certifier delegation: %v", err)
	}
}

func TestKeyCacheEviction(t *testing.T) {
	kc, err := NewKeyCache(2)
	if err != nil {
		t.Fatalf("NewKeyCache: %v", err)
	}
	a := address.New([]byte("addr-a"))
	b := address.New([]byte("addr-b"))
	c := address.New([]byte("addr-c"))
	keyA := mustKey(t).Public()
	keyB := mustKey(t).Public()
	keyC := mustKey(t).Public()

	kc.Put(a, keyA)
	kc.Put(b, keyB)
	kc.Put(c, keyC) // evicts a, the least recently used

	if _, ok := kc.Get(a); ok {
		t.Fatalf("expected addr-a to have been evicted")
	}
	if got, ok := kc.Get(b); !ok || !got.Equal(keyB) {
		t.Fatalf("expected addr-b to remain cached")
	}
	if got, ok := kc.Get(c); !ok || !got.Equal(keyC) {
		t.Fatalf("expected addr-c to be cached")
	}
}
