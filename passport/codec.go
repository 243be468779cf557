package passport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/memofed/memo/cryptoutil"
)

// wire is the gob-encodable flattening of a Passport, DER-marshaling the
// embedded RSA keys since cryptoutil.PublicKey itself is not gob-safe.
// Used to carry a passport across the RPC handshake.
type wire struct {
	UserDER      []byte
	Network      string
	CertifierDER []byte // empty unless Certifier is set
	AllowWrite   bool
	AllowStorage bool
	AllowSign    bool
	Signature    []byte
}

// Encode serializes p for transit.
func Encode(p *Passport) ([]byte, error) {
	userDER, err := p.User.MarshalPublic()
	if err != nil {
		return nil, fmt.Errorf("passport: marshal user key: %w", err)
	}
	w := wire{
		UserDER: userDER, Network: p.Network,
		AllowWrite: p.AllowWrite, AllowStorage: p.AllowStorage, AllowSign: p.AllowSign,
		Signature: p.signature,
	}
	if p.Certifier != nil {
		certDER, err := p.Certifier.MarshalPublic()
		if err != nil {
			return nil, fmt.Errorf("passport: marshal certifier key: %w", err)
		}
		w.CertifierDER = certDER
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a Passport produced by Encode. The result carries no
// local signer state; callers only ever Verify a decoded Passport, never
// re-sign it.
func Decode(data []byte) (*Passport, error) {
	var w wire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, err
	}
	user, err := cryptoutil.UnmarshalPublic(w.UserDER)
	if err != nil {
		return nil, fmt.Errorf("passport: unmarshal user key: %w", err)
	}
	p := &Passport{
		User: user, Network: w.Network,
		AllowWrite: w.AllowWrite, AllowStorage: w.AllowStorage, AllowSign: w.AllowSign,
		signature: w.Signature,
	}
	if len(w.CertifierDER) > 0 {
		cert, err := cryptoutil.UnmarshalPublic(w.CertifierDER)
		if err != nil {
			return nil, fmt.Errorf("passport: unmarshal certifier key: %w", err)
		}
		p.Certifier = cert
	}
	return p, nil
}
