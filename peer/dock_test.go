package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/blockerr"
	"github.com/memofed/memo/overlay"
)

// mapHandler is a Handler backed by a plain map, enough to exercise the
// Dock's accept/dispatch loop end to end.
type mapHandler struct {
	mu     sync.Mutex
	blocks map[address.Address][]byte
}

func newMapHandler() *mapHandler {
	return &mapHandler{blocks: make(map[address.Address][]byte)}
}

func (h *mapHandler) HandleFetch(ctx context.Context, addr address.Address) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.blocks[addr]
	if !ok {
		return nil, blockerr.MissingBlock
	}
	return append([]byte(nil), data...), nil
}

func (h *mapHandler) HandleStore(ctx context.Context, addr address.Address, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks[addr] = append([]byte(nil), data...)
	return nil
}

func (h *mapHandler) HandleRemove(ctx context.Context, addr address.Address, sig []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.blocks[addr]; !ok {
		return blockerr.MissingBlock
	}
	delete(h.blocks, addr)
	return nil
}

func (h *mapHandler) HandlePrepare(ctx context.Context, addr address.Address, proposal uint64) (PrepareResult, error) {
	return PrepareResult{}, nil
}

func (h *mapHandler) HandleAccept(ctx context.Context, addr address.Address, proposal uint64, value []byte) (AcceptResult, error) {
	return AcceptResult{Accepted: true}, nil
}

func (h *mapHandler) HandleConfirm(ctx context.Context, addr address.Address, proposal uint64, value []byte) error {
	return nil
}

func TestLocalDelegatesToHandler(t *testing.T) {
	h := newMapHandler()
	l := NewLocal("self", h)
	ctx := context.Background()
	var addr address.Address
	addr[0] = 7

	if err := l.Store(ctx, addr, []byte("hello")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	data, err := l.Fetch(ctx, addr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("Fetch = %q, want hello", data)
	}
	if err := l.Remove(ctx, addr, nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := l.Fetch(ctx, addr); blockerr.Classify(err) != blockerr.KindMissingBlock {
		t.Fatalf("Fetch after remove: got %v, want MissingBlock", err)
	}
}

func TestDummyPaxosRoundTrip(t *testing.T) {
	d := NewDummy("p1")
	ctx := context.Background()
	var addr address.Address
	addr[0] = 9

	pr, err := d.Prepare(ctx, addr, 1)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if pr.HasValue {
		t.Fatalf("Prepare on empty address returned HasValue=true")
	}

	ar, err := d.Accept(ctx, addr, 1, []byte("v1"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !ar.Accepted {
		t.Fatalf("Accept rejected a fresh proposal")
	}

	ar2, err := d.Accept(ctx, addr, 1, []byte("v2"))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if ar2.Accepted {
		t.Fatalf("Accept took a stale proposal number")
	}

	if err := d.Confirm(ctx, addr, 1, []byte("v1")); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	data, err := d.Fetch(ctx, addr)
	if err != nil {
		t.Fatalf("Fetch after Confirm: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("Fetch after Confirm = %q, want v1", data)
	}
}

func TestDummyDownReturnsUnavailable(t *testing.T) {
	d := NewDummy("p1")
	d.Down = true
	var addr address.Address
	if _, err := d.Fetch(context.Background(), addr); blockerr.Classify(err) != blockerr.KindUnavailable {
		t.Fatalf("Fetch on downed peer: got %v, want Unavailable", err)
	}
}

func TestDockTCPRoundTrip(t *testing.T) {
	h := newMapHandler()
	dock, err := NewDock(DockOptions{ListenTCP: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("NewDock: %v", err)
	}
	defer dock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dock.Serve(ctx, h)

	clientDock, err := NewDock(DockOptions{})
	if err != nil {
		t.Fatalf("NewDock client: %v", err)
	}
	defer clientDock.Close()

	ref := overlay.PeerRef{ID: "server", Address: dock.TCPAddr().String()}
	p, err := clientDock.MakePeer(ctx, ref, TransportTCP)
	if err != nil {
		t.Fatalf("MakePeer: %v", err)
	}
	defer p.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
	defer cancelCall()

	var addr address.Address
	addr[0] = 3
	if err := p.Store(callCtx, addr, []byte("over-the-wire")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	data, err := p.Fetch(callCtx, addr)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "over-the-wire" {
		t.Fatalf("Fetch = %q, want over-the-wire", data)
	}
}

func TestDockMakePeerSharesConnectionByRefcount(t *testing.T) {
	dock, err := NewDock(DockOptions{})
	if err != nil {
		t.Fatalf("NewDock: %v", err)
	}
	defer dock.Close()

	ctx := context.Background()
	ref := overlay.PeerRef{ID: "x", Address: "127.0.0.1:1"}
	p1, err := dock.MakePeer(ctx, ref, TransportTCP)
	if err != nil {
		t.Fatalf("MakePeer: %v", err)
	}
	p2, err := dock.MakePeer(ctx, ref, TransportTCP)
	if err != nil {
		t.Fatalf("MakePeer: %v", err)
	}

	dock.mu.Lock()
	rp := dock.cache[ref.ID]
	refs := rp.refs
	dock.mu.Unlock()
	if refs != 2 {
		t.Fatalf("refcount = %d, want 2", refs)
	}

	p1.Close()
	dock.mu.Lock()
	_, stillCached := dock.cache[ref.ID]
	dock.mu.Unlock()
	if !stillCached {
		t.Fatalf("connection evicted after first Close, want it to survive while p2 holds a reference")
	}

	p2.Close()
	dock.mu.Lock()
	_, stillCached = dock.cache[ref.ID]
	dock.mu.Unlock()
	if stillCached {
		t.Fatalf("connection still cached after last Close")
	}
}
