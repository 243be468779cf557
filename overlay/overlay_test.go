package overlay

import (
	"context"
	"testing"

	"github.com/memofed/memo/address"
)

func TestKalimeroLookupRequiresOne(t *testing.T) {
	k := NewKalimero(PeerRef{ID: "self", Address: "localhost:1"})
	ctx := context.Background()
	addr := address.New([]byte("x"))

	peers, err := k.Lookup(ctx, addr, 1, false)
	if err != nil || len(peers) != 1 || peers[0].ID != "self" {
		t.Fatalf("Lookup(n=1): %v, %v", peers, err)
	}
	if _, err := k.Lookup(ctx, addr, 2, false); err != ErrBadReplicationCount {
		t.Fatalf("got %v, want ErrBadReplicationCount", err)
	}
	if !k.Discovered("self") || k.Discovered("other") {
		t.Fatalf("Discovered mismatch")
	}
}

func TestStonehengeDeterministicOwner(t *testing.T) {
	peers := []PeerRef{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	s := NewStonehenge(peers)
	ctx := context.Background()

	addr := address.Address{}
	addr[0] = 5 // owner index = 5 mod 4 = 1 -> "b"

	got, err := s.Lookup(ctx, addr, 2, false)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("unexpected lookup result: %+v", got)
	}

	// Same address always routes to the same backend.
	got2, err := s.Lookup(ctx, addr, 2, false)
	if err != nil || got2[0].ID != got[0].ID {
		t.Fatalf("Lookup not deterministic: %+v vs %+v", got, got2)
	}
}

func TestStonehengeRejectsOverCapacity(t *testing.T) {
	s := NewStonehenge([]PeerRef{{ID: "a"}})
	if _, err := s.Lookup(context.Background(), address.Address{}, 3, false); err != ErrBadReplicationCount {
		t.Fatalf("got %v, want ErrBadReplicationCount", err)
	}
}

func TestStonehengeSeedIsIdempotent(t *testing.T) {
	s := NewStonehenge([]PeerRef{{ID: "a"}})
	s.Seed(PeerRef{ID: "b", Address: "host:2"})
	s.Seed(PeerRef{ID: "b", Address: "host:2"})
	if !s.Discovered("b") {
		t.Fatalf("expected b to be discovered")
	}
	if got, err := s.LookupNode(context.Background(), "b"); err != nil || got.Address != "host:2" {
		t.Fatalf("LookupNode: %+v, %v", got, err)
	}
	count := 0
	for _, p := range s.peers {
		if p.ID == "b" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one b entry, got %d", count)
	}
}

func TestKoordinateDelegatesToFirstBackend(t *testing.T) {
	primary := NewStonehenge([]PeerRef{{ID: "a"}})
	secondary := NewKalimero(PeerRef{ID: "solo"})
	k, err := NewKoordinate([]Overlay{primary, secondary}, "", "", nil)
	if err != nil {
		t.Fatalf("NewKoordinate: %v", err)
	}
	if got, err := k.LookupNode(context.Background(), "a"); err != nil || got.ID != "a" {
		t.Fatalf("expected delegation to primary backend, got %+v, %v", got, err)
	}
	if _, err := k.LookupNode(context.Background(), "solo"); err != ErrNoSuchNode {
		t.Fatalf("expected primary's ErrNoSuchNode for secondary-only id, got %v", err)
	}
}
