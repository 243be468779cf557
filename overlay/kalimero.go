package overlay

import (
	"context"

	"github.com/memofed/memo/address"
)

// Kalimero is the degenerate single-node overlay: "I am the only peer".
// Every lookup yields self; any n other than 1 is an
// error since there is no replica set to speak of.
type Kalimero struct {
	self PeerRef
}

// NewKalimero builds a Kalimero overlay whose sole peer is self.
func NewKalimero(self PeerRef) *Kalimero {
	return &Kalimero{self: self}
}

func (k *Kalimero) Lookup(ctx context.Context, addr address.Address, n int, fast bool) ([]PeerRef, error) {
	if n != 1 {
		return nil, ErrBadReplicationCount
	}
	return []PeerRef{k.self}, nil
}

func (k *Kalimero) Allocate(ctx context.Context, addr address.Address, n int) ([]PeerRef, error) {
	return k.Lookup(ctx, addr, n, false)
}

func (k *Kalimero) LookupNode(ctx context.Context, id string) (PeerRef, error) {
	if id != k.self.ID {
		return PeerRef{}, ErrNoSuchNode
	}
	return k.self, nil
}

// Discover is a no-op: a Kalimero network has no other peers to seed.
func (k *Kalimero) Discover(locations []string) error { return nil }

func (k *Kalimero) Discovered(id string) bool { return id == k.self.ID }
