package overlay

import (
	"context"
	"sync"

	"github.com/memofed/memo/address"
)

// Stonehenge is the static-peer-list overlay: the owner of addr is
// addr.bytes[0] mod N over a fixed, ordered peer list, and Lookup/Allocate
// yield the next n peers cyclically from there.
type Stonehenge struct {
	mu    sync.RWMutex
	peers []PeerRef
}

// NewStonehenge builds a Stonehenge overlay over an initial, ordered peer
// list. The order must be stable across restarts for owner resolution to
// stay consistent.
func NewStonehenge(peers []PeerRef) *Stonehenge {
	return &Stonehenge{peers: append([]PeerRef(nil), peers...)}
}

func (s *Stonehenge) ownerIndex(addr address.Address) int {
	b := addr.Bytes()
	return int(b[0])
}

func (s *Stonehenge) cyclic(start, n int) []PeerRef {
	total := len(s.peers)
	out := make([]PeerRef, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.peers[(start+i)%total])
	}
	return out
}

func (s *Stonehenge) Lookup(ctx context.Context, addr address.Address, n int, fast bool) ([]PeerRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.peers) == 0 || n > len(s.peers) {
		return nil, ErrBadReplicationCount
	}
	start := s.ownerIndex(addr) % len(s.peers)
	return s.cyclic(start, n), nil
}

func (s *Stonehenge) Allocate(ctx context.Context, addr address.Address, n int) ([]PeerRef, error) {
	return s.Lookup(ctx, addr, n, false)
}

func (s *Stonehenge) LookupNode(ctx context.Context, id string) (PeerRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if p.ID == id {
			return p, nil
		}
	}
	return PeerRef{}, ErrNoSuchNode
}

// Discover appends each location as a peer keyed by its dial string, if
// not already present.
func (s *Stonehenge) Discover(locations []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, loc := range locations {
		s.seedLocked(PeerRef{ID: loc, Address: loc})
	}
	return nil
}

func (s *Stonehenge) Discovered(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Seed adds a dynamically discovered peer, implementing overlay.Seeder.
func (s *Stonehenge) Seed(p PeerRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedLocked(p)
}

func (s *Stonehenge) seedLocked(p PeerRef) {
	for _, existing := range s.peers {
		if existing.ID == p.ID {
			return
		}
	}
	s.peers = append(s.peers, p)
}
