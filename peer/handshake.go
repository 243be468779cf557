package peer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"github.com/memofed/memo/cryptoutil"
	"github.com/memofed/memo/passport"
)

// ProtocolVersion is this build's RPC wire version. Every handshake
// negotiates it before any RPC is dispatched.
const ProtocolVersion uint32 = 1

// ErrUnsupportedVersion is returned when the other side's handshake names
// a protocol version this build does not speak.
var ErrUnsupportedVersion = errors.New("peer: unsupported protocol version")

// ErrPassportRequired is returned by a server handshake when an
// Authenticator is configured and the dialing peer presented no passport.
var ErrPassportRequired = errors.New("peer: passport required")

// ErrPassportInvalid is returned when a presented passport fails
// signature verification or proof-of-possession of its user key.
var ErrPassportInvalid = errors.New("peer: passport verification failed")

// Identity is what a dialing Connection presents during the handshake:
// the private key backing its passport, used to answer the server's
// signed challenge, and the passport itself.
type Identity struct {
	Keys     *cryptoutil.PrivateKey
	Passport *passport.Passport
}

// Authenticator is consulted by Dock.serveConn to verify an inbound
// passport and decide whether RPCs on that connection carry a caller with
// the write bit set. A nil Authenticator accepts every
// caller without a passport check, preserving the pre-handshake behavior
// for deployments that don't opt in (e.g. single-node/test Docks).
type Authenticator struct {
	// NetworkOwner verifies a presented passport's signature.
	NetworkOwner *cryptoutil.PublicKey
	// KeyCache memoizes caller passports that already verified, keyed by
	// a digest of their encoding, so a long-lived connection presenting the
	// same passport doesn't re-run RSA verification on every reconnect
	// (passport.KeyCache).
	KeyCache *passport.KeyCache
}

func (a *Authenticator) verify(p *passport.Passport) error {
	if a == nil || a.NetworkOwner == nil {
		return nil
	}
	if p == nil {
		return ErrPassportRequired
	}
	// Keyed by a digest of the whole encoded passport (flags and signature
	// included), so a hit means these exact bytes verified before.
	var cacheKey [32]byte
	if a.KeyCache != nil {
		data, err := passport.Encode(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPassportInvalid, err)
		}
		cacheKey = sha256.Sum256(data)
		if _, ok := a.KeyCache.Get(cacheKey); ok {
			return nil
		}
	}
	if err := p.Verify(a.NetworkOwner); err != nil {
		return fmt.Errorf("%w: %v", ErrPassportInvalid, err)
	}
	if a.KeyCache != nil {
		a.KeyCache.Put(cacheKey, p.User)
	}
	return nil
}

// handshakeHello is the first frame a dialing Connection sends: its
// protocol version and, if it has one, its passport.
type handshakeHello struct {
	Version      uint32
	PassportData []byte // passport.Encode output, nil if Identity has none
}

// handshakeChallenge is the server's reply: its own version stamp, a
// random nonce the client must sign to prove possession of the private
// key behind its passport's user key, and the server's own passport (if
// it has one) so the client can wrap a session key under it.
type handshakeChallenge struct {
	Version      uint32
	Nonce        []byte
	PassportData []byte
}

// handshakeAuth is the client's answer: its signature over the server's
// nonce (empty if the client presented no passport), and, if the client
// wants an encrypted session, a session key it generated wrapped under
// the server's user public key via RSA-OAEP.
type handshakeAuth struct {
	Signature  []byte
	WrappedKey []byte
}

// handshakeResult is the server's final word: whether the handshake is
// accepted, and, when the client wrapped a session key, nothing further
// is needed since the client already knows the key it generated.
type handshakeResult struct {
	OK     bool
	ErrMsg string
}

func init() {
	gob.Register(handshakeHello{})
	gob.Register(handshakeChallenge{})
	gob.Register(handshakeAuth{})
	gob.Register(handshakeResult{})
}

const nonceSize = 32

func randomNonce() ([]byte, error) {
	n := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, err
	}
	return n, nil
}

// clientHandshake drives the dialing side of the protocol over enc/dec,
// returning the negotiated session key (if any) for sealing subsequent
// RPC frames.
func clientHandshake(enc *gob.Encoder, dec *gob.Decoder, identity *Identity) (cryptoutil.SealKey, bool, error) {
	var sessionKey cryptoutil.SealKey

	hello := handshakeHello{Version: ProtocolVersion}
	if identity != nil && identity.Passport != nil {
		data, err := passport.Encode(identity.Passport)
		if err != nil {
			return sessionKey, false, fmt.Errorf("peer: encode passport: %w", err)
		}
		hello.PassportData = data
	}
	if err := enc.Encode(&hello); err != nil {
		return sessionKey, false, fmt.Errorf("peer: send hello: %w", err)
	}

	var challenge handshakeChallenge
	if err := dec.Decode(&challenge); err != nil {
		return sessionKey, false, fmt.Errorf("peer: read challenge: %w", err)
	}
	if challenge.Version != ProtocolVersion {
		return sessionKey, false, ErrUnsupportedVersion
	}

	auth := handshakeAuth{}
	if identity != nil && identity.Keys != nil {
		sig, err := identity.Keys.Sign(challenge.Nonce)
		if err != nil {
			return sessionKey, false, fmt.Errorf("peer: sign challenge: %w", err)
		}
		auth.Signature = sig
	}
	hasKey := false
	if len(challenge.PassportData) > 0 {
		serverPassport, err := passport.Decode(challenge.PassportData)
		if err != nil {
			return sessionKey, false, fmt.Errorf("peer: decode server passport: %w", err)
		}
		key, err := cryptoutil.NewRandomKey()
		if err != nil {
			return sessionKey, false, fmt.Errorf("peer: generate session key: %w", err)
		}
		wrapped, err := cryptoutil.WrapKeyForRSA(serverPassport.User, key)
		if err != nil {
			return sessionKey, false, fmt.Errorf("peer: wrap session key: %w", err)
		}
		auth.WrappedKey = wrapped
		sessionKey = key
		hasKey = true
	}
	if err := enc.Encode(&auth); err != nil {
		return sessionKey, false, fmt.Errorf("peer: send auth: %w", err)
	}

	var result handshakeResult
	if err := dec.Decode(&result); err != nil {
		return sessionKey, false, fmt.Errorf("peer: read handshake result: %w", err)
	}
	if !result.OK {
		return sessionKey, false, fmt.Errorf("peer: handshake rejected: %s", result.ErrMsg)
	}
	return sessionKey, hasKey, nil
}

// serverHandshake drives the accepting side of the protocol over enc/dec,
// verifying the caller's passport against auth (if configured) and
// returning the caller's passport (for write-bit checks in dispatch) and
// the negotiated session key.
func serverHandshake(enc *gob.Encoder, dec *gob.Decoder, identity *Identity, auth *Authenticator) (*passport.Passport, cryptoutil.SealKey, bool, error) {
	var sessionKey cryptoutil.SealKey

	var hello handshakeHello
	if err := dec.Decode(&hello); err != nil {
		return nil, sessionKey, false, fmt.Errorf("peer: read hello: %w", err)
	}
	if hello.Version != ProtocolVersion {
		enc.Encode(&handshakeResult{OK: false, ErrMsg: ErrUnsupportedVersion.Error()})
		return nil, sessionKey, false, ErrUnsupportedVersion
	}

	var caller *passport.Passport
	if len(hello.PassportData) > 0 {
		p, err := passport.Decode(hello.PassportData)
		if err != nil {
			enc.Encode(&handshakeResult{OK: false, ErrMsg: "malformed passport"})
			return nil, sessionKey, false, fmt.Errorf("peer: decode caller passport: %w", err)
		}
		caller = p
	}
	if err := auth.verify(caller); err != nil {
		enc.Encode(&handshakeResult{OK: false, ErrMsg: err.Error()})
		return nil, sessionKey, false, err
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, sessionKey, false, err
	}
	challenge := handshakeChallenge{Version: ProtocolVersion, Nonce: nonce}
	if identity != nil && identity.Passport != nil {
		data, err := passport.Encode(identity.Passport)
		if err != nil {
			return nil, sessionKey, false, fmt.Errorf("peer: encode server passport: %w", err)
		}
		challenge.PassportData = data
	}
	if err := enc.Encode(&challenge); err != nil {
		return nil, sessionKey, false, fmt.Errorf("peer: send challenge: %w", err)
	}

	var clientAuth handshakeAuth
	if err := dec.Decode(&clientAuth); err != nil {
		return nil, sessionKey, false, fmt.Errorf("peer: read auth: %w", err)
	}

	if caller != nil {
		if len(clientAuth.Signature) == 0 {
			enc.Encode(&handshakeResult{OK: false, ErrMsg: ErrPassportInvalid.Error()})
			return nil, sessionKey, false, ErrPassportInvalid
		}
		if err := caller.User.Verify(nonce, clientAuth.Signature); err != nil {
			enc.Encode(&handshakeResult{OK: false, ErrMsg: ErrPassportInvalid.Error()})
			return nil, sessionKey, false, fmt.Errorf("%w: %v", ErrPassportInvalid, err)
		}
	}

	hasKey := false
	if len(clientAuth.WrappedKey) > 0 && identity != nil && identity.Keys != nil {
		key, err := cryptoutil.UnwrapKeyWithRSA(identity.Keys, clientAuth.WrappedKey)
		if err != nil {
			enc.Encode(&handshakeResult{OK: false, ErrMsg: "bad session key"})
			return nil, sessionKey, false, fmt.Errorf("peer: unwrap session key: %w", err)
		}
		sessionKey = key
		hasKey = true
	}

	if err := enc.Encode(&handshakeResult{OK: true}); err != nil {
		return nil, sessionKey, false, fmt.Errorf("peer: send handshake result: %w", err)
	}
	return caller, sessionKey, hasKey, nil
}
