package cryptoutil

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	payload := []byte("block payload")
	sig, err := priv.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := priv.Public().Verify(payload, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	priv, _ := GenerateKeyPair()
	sig, _ := priv.Sign([]byte("original"))
	if err := priv.Public().Verify([]byte("tampered"), sig); err == nil {
		t.Fatalf("expected verification failure for tampered payload")
	}
}

func TestVerifyRejectsForgedKey(t *testing.T) {
	priv, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	payload := []byte("block payload")
	sig, _ := priv.Sign(payload)
	if err := other.Public().Verify(payload, sig); err == nil {
		t.Fatalf("expected verification failure against the wrong key")
	}
}

func TestPublicKeyMarshalRoundTrip(t *testing.T) {
	priv, _ := GenerateKeyPair()
	der, err := priv.Public().MarshalPublic()
	if err != nil {
		t.Fatalf("MarshalPublic: %v", err)
	}
	pub, err := UnmarshalPublic(der)
	if err != nil {
		t.Fatalf("UnmarshalPublic: %v", err)
	}
	if !pub.Equal(priv.Public()) {
		t.Fatalf("round-tripped key does not match original")
	}
	if priv.Public().Hash() != pub.Hash() {
		t.Fatalf("hash mismatch after round trip")
	}
}

func TestSecretboxSealOpen(t *testing.T) {
	key, err := NewRandomKey()
	if err != nil {
		t.Fatalf("NewRandomKey: %v", err)
	}
	plaintext := []byte("acb payload")
	sealed, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestSecretboxOpenWrongKeyFails(t *testing.T) {
	key, _ := NewRandomKey()
	other, _ := NewRandomKey()
	sealed, _ := Seal(key, []byte("secret"))
	if _, err := Open(other, sealed); err == nil {
		t.Fatalf("expected decrypt failure with wrong key")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	password := []byte("hunter2")
	salt := []byte("some-address-bytes")
	a := DeriveKey(password, salt)
	b := DeriveKey(password, salt)
	if a != b {
		t.Fatalf("DeriveKey not deterministic for identical inputs")
	}
	c := DeriveKey(password, []byte("different-address"))
	if a == c {
		t.Fatalf("DeriveKey should differ across salts")
	}
}

func TestRSAKeyWrapRoundTrip(t *testing.T) {
	priv, _ := GenerateKeyPair()
	key, _ := NewRandomKey()
	wrapped, err := WrapKeyForRSA(priv.Public(), key)
	if err != nil {
		t.Fatalf("WrapKeyForRSA: %v", err)
	}
	got, err := UnwrapKeyWithRSA(priv, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKeyWithRSA: %v", err)
	}
	if got != key {
		t.Fatalf("unwrapped key mismatch")
	}
}
