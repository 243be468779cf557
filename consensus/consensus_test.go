package consensus

import (
	"context"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/overlay"
	"github.com/memofed/memo/peer"
)

// fixedOverlay always hands out the same ordered peer list, enough for
// tests that don't exercise real address->peer resolution.
type fixedOverlay struct {
	refs []overlay.PeerRef
}

func (f fixedOverlay) Lookup(ctx context.Context, addr address.Address, n int, fast bool) ([]overlay.PeerRef, error) {
	return f.sliced(n), nil
}

func (f fixedOverlay) Allocate(ctx context.Context, addr address.Address, n int) ([]overlay.PeerRef, error) {
	return f.sliced(n), nil
}

func (f fixedOverlay) LookupNode(ctx context.Context, id string) (overlay.PeerRef, error) {
	for _, r := range f.refs {
		if r.ID == id {
			return r, nil
		}
	}
	return overlay.PeerRef{}, overlay.ErrNoSuchNode
}

func (f fixedOverlay) Discover(locations []string) error { return nil }

func (f fixedOverlay) Discovered(id string) bool {
	for _, r := range f.refs {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (f fixedOverlay) sliced(n int) []overlay.PeerRef {
	if n > len(f.refs) {
		n = len(f.refs)
	}
	out := make([]overlay.PeerRef, n)
	copy(out, f.refs[:n])
	return out
}

// directPeerMaker resolves a PeerRef straight to a pre-registered
// in-memory peer.Peer (peer.Dummy or peer.Local), bypassing real dialing
// so consensus logic can be exercised without a Dock.
type directPeerMaker struct {
	byID map[string]peer.Peer
}

func newDirectPeerMaker() *directPeerMaker {
	return &directPeerMaker{byID: make(map[string]peer.Peer)}
}

func (d *directPeerMaker) register(id string, p peer.Peer) {
	d.byID[id] = p
}

func (d *directPeerMaker) MakePeer(ctx context.Context, ref overlay.PeerRef, transport peer.Transport) (peer.Peer, error) {
	return noCloseWrapper{d.byID[ref.ID]}, nil
}

// noCloseWrapper prevents a test's shared peer.Dummy/peer.Local from being
// torn down when consensus code calls Close after each logical peer use.
type noCloseWrapper struct {
	peer.Peer
}

func (noCloseWrapper) Close() error { return nil }

// peerLocalFor wraps a NodeHandler as the Peer a directPeerMaker hands
// back for id, so immutable/paxos tests exercise the real acceptor and
// collision logic instead of peer.Dummy's simplified stand-in.
func peerLocalFor(id string, h *NodeHandler) peer.Peer {
	return peer.NewLocal(id, h)
}
