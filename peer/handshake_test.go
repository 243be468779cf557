package peer

import (
	"context"
	"testing"
	"time"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
	"github.com/memofed/memo/overlay"
	"github.com/memofed/memo/passport"
)

func mustKeyPair(t *testing.T) *cryptoutil.PrivateKey {
	t.Helper()
	k, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return k
}

func mustPassport(t *testing.T, owner *cryptoutil.PrivateKey, user *cryptoutil.PublicKey, allowWrite bool) *passport.Passport {
	t.Helper()
	p, err := passport.New(owner, user, "testnet", nil, allowWrite, true, true)
	if err != nil {
		t.Fatalf("passport.New: %v", err)
	}
	return p
}

func newAuthenticatedDocks(t *testing.T, owner *cryptoutil.PrivateKey, clientWrite bool) (server, client *Dock, handler *mapHandler) {
	t.Helper()
	serverKeys := mustKeyPair(t)
	clientKeys := mustKeyPair(t)
	serverPassport := mustPassport(t, owner, serverKeys.Public(), true)
	clientPassport := mustPassport(t, owner, clientKeys.Public(), clientWrite)

	cache, err := passport.NewKeyCache(16)
	if err != nil {
		t.Fatalf("NewKeyCache: %v", err)
	}

	handler = newMapHandler()
	server, err = NewDock(DockOptions{
		ListenTCP: "127.0.0.1:0",
		Identity:  &Identity{Keys: serverKeys, Passport: serverPassport},
		Authenticator: &Authenticator{
			NetworkOwner: owner.Public(),
			KeyCache:     cache,
		},
	})
	if err != nil {
		t.Fatalf("NewDock server: %v", err)
	}

	client, err = NewDock(DockOptions{
		Identity: &Identity{Keys: clientKeys, Passport: clientPassport},
	})
	if err != nil {
		t.Fatalf("NewDock client: %v", err)
	}
	return server, client, handler
}

func TestHandshakeAllowsWriterToStore(t *testing.T) {
	owner := mustKeyPair(t)
	server, client, handler := newAuthenticatedDocks(t, owner, true)
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, handler)

	ref := overlay.PeerRef{ID: "server", Address: server.TCPAddr().String()}
	p, err := client.MakePeer(ctx, ref, TransportTCP)
	if err != nil {
		t.Fatalf("MakePeer: %v", err)
	}
	defer p.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
	defer cancelCall()

	var addr address.Address
	addr[0] = 5
	if err := p.Store(callCtx, addr, []byte("sealed-payload")); err != nil {
		t.Fatalf("Store with write bit set: %v", err)
	}
	data, err := p.Fetch(callCtx, addr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "sealed-payload" {
		t.Fatalf("Fetch = %q, want sealed-payload", data)
	}
}

func TestHandshakeRefusesStoreWithoutWriteBit(t *testing.T) {
	owner := mustKeyPair(t)
	server, client, handler := newAuthenticatedDocks(t, owner, false)
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, handler)

	ref := overlay.PeerRef{ID: "server", Address: server.TCPAddr().String()}
	p, err := client.MakePeer(ctx, ref, TransportTCP)
	if err != nil {
		t.Fatalf("MakePeer: %v", err)
	}
	defer p.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
	defer cancelCall()

	var addr address.Address
	addr[0] = 6
	if err := p.Store(callCtx, addr, []byte("nope")); err == nil {
		t.Fatalf("Store with no write bit succeeded, want refusal")
	}
}

func TestHandshakeRefusesUnverifiablePassport(t *testing.T) {
	owner := mustKeyPair(t)
	impostor := mustKeyPair(t)
	server, client, handler := newAuthenticatedDocks(t, owner, true)
	defer server.Close()
	defer client.Close()

	// Swap in a passport signed by a different owner than the server trusts.
	clientKeys := mustKeyPair(t)
	badPassport := mustPassport(t, impostor, clientKeys.Public(), true)
	client.opts.Identity = &Identity{Keys: clientKeys, Passport: badPassport}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, handler)

	ref := overlay.PeerRef{ID: "server", Address: server.TCPAddr().String()}
	p, err := client.MakePeer(ctx, ref, TransportTCP)
	if err != nil {
		t.Fatalf("MakePeer: %v", err)
	}
	defer p.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
	defer cancelCall()

	var addr address.Address
	addr[0] = 7
	if err := p.Store(callCtx, addr, []byte("nope")); err == nil {
		t.Fatalf("Store with unverifiable passport succeeded, want handshake rejection")
	}
}

func TestHandshakeNoAuthenticatorAcceptsUnauthenticatedCaller(t *testing.T) {
	h := newMapHandler()
	server, err := NewDock(DockOptions{ListenTCP: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewDock server: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, h)

	client, err := NewDock(DockOptions{})
	if err != nil {
		t.Fatalf("NewDock client: %v", err)
	}
	defer client.Close()

	ref := overlay.PeerRef{ID: "server", Address: server.TCPAddr().String()}
	p, err := client.MakePeer(ctx, ref, TransportTCP)
	if err != nil {
		t.Fatalf("MakePeer: %v", err)
	}
	defer p.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
	defer cancelCall()

	var addr address.Address
	addr[0] = 8
	if err := p.Store(callCtx, addr, []byte("fine")); err != nil {
		t.Fatalf("Store against an Authenticator-less Dock: %v", err)
	}
}
