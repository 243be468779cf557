// Package overlay resolves "who owns address A" into a set of candidate
// peers, and tracks which peers the local node currently knows about.
// It knows nothing about consensus or RPC transport —
// peer/dock.go turns a PeerRef into a live connection.
package overlay

import (
	"context"
	"errors"

	"github.com/memofed/memo/address"
)

// ErrNoSuchNode is returned by LookupNode for an unrecognized node id.
var ErrNoSuchNode = errors.New("overlay: no such node")

// ErrBadReplicationCount is returned when n does not fit the overlay's
// constraints (Kalimero requires exactly 1; Stonehenge requires n to not
// exceed the configured peer count).
var ErrBadReplicationCount = errors.New("overlay: replication count not satisfiable")

// PeerRef is everything an overlay knows about a candidate peer: enough
// to ask peer.Dock to dial it, nothing about whether that dial has
// already happened.
type PeerRef struct {
	ID      string
	Address string // dial string, e.g. "host:port"
}

// Overlay is the address -> peer resolver every consensus instance sits
// on top of.
type Overlay interface {
	// Lookup returns up to n peers believed to hold addr, for reads. fast
	// requests the overlay skip any slow/unreachable-but-not-yet-evicted
	// candidates when it can tell cheaply.
	Lookup(ctx context.Context, addr address.Address, n int, fast bool) ([]PeerRef, error)
	// Allocate returns n peers to receive a fresh insert or a new quorum.
	Allocate(ctx context.Context, addr address.Address, n int) ([]PeerRef, error)
	// LookupNode resolves a specific node id for a directed RPC.
	LookupNode(ctx context.Context, id string) (PeerRef, error)
	// Discover seeds the overlay with known peer locations.
	Discover(locations []string) error
	// Discovered reports whether id is already known to the overlay.
	Discovered(id string) bool
}

// Seeder is implemented by overlays that can learn about new peers at
// runtime (Stonehenge), as opposed to a fixed single-peer view (Kalimero).
// Koordinate's discovery notifee uses this to feed mDNS finds into its
// first backend.
type Seeder interface {
	Seed(PeerRef)
}
