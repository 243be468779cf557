// Package silo implements the storage backend contract and its composable
// wrappers: a block is stored keyed by its address, and a Silo can be
// stacked with caching, encryption, striping, mirroring, async journaling
// and simulated latency without any of those concerns knowing about each
// other.
package silo

import (
	"context"
	"errors"

	"github.com/memofed/memo/address"
)

// Errors a Silo implementation returns. Model and consensus classify
// these into blockerr kinds at the boundary.
var (
	ErrNotFound   = errors.New("silo: block not found")
	ErrExists     = errors.New("silo: block already exists")
	ErrReadOnly   = errors.New("silo: silo is read-only")
	ErrNoCapacity = errors.New("silo: insufficient capacity")
	// ErrInvalidSet is returned by Set when both insert and update are
	// false — neither a strict insert nor a strict update nor an upsert,
	// so there is no operation to perform.
	ErrInvalidSet = errors.New("silo: set requires insert or update")
)

// Status is the advisory existence state status(addr) reports. A Silo may
// answer StatusUnknown instead of doing I/O to find out for certain.
type Status int

const (
	StatusUnknown Status = iota
	StatusExists
	StatusMissing
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Notifier is invoked by a capacity-tracking Silo once usage has moved by
// roughly NotifyThreshold of its configured capacity since the last call,
// so the overlay/beyond layer can advertise updated free space.
type Notifier func(Stats)

// NotifyThreshold is the fraction of capacity change that triggers a
// Notifier callback.
const NotifyThreshold = 0.10

// Silo is the key-value contract every storage backend and wrapper
// satisfies.
type Silo interface {
	// Fetch returns the raw bytes stored at addr, or ErrNotFound.
	Fetch(ctx context.Context, addr address.Address) ([]byte, error)
	// Insert stores data at addr, failing with ErrExists if already present.
	Insert(ctx context.Context, addr address.Address, data []byte) error
	// Update overwrites the bytes stored at addr, failing with ErrNotFound
	// if absent.
	Update(ctx context.Context, addr address.Address, data []byte) error
	// Set is the atomic upsert primitive:
	// insert&&update is an upsert, insert-only means strict insert
	// (ErrExists if already present), update-only means strict update
	// (ErrNotFound if absent). It returns the byte delta (new_size -
	// old_size), and ErrNoCapacity if a configured capacity would be
	// exceeded. Insert and Update are expressed in terms of Set.
	Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error)
	// Remove deletes the entry at addr.
	Remove(ctx context.Context, addr address.Address) error
	// List enumerates every address currently stored.
	List(ctx context.Context) ([]address.Address, error)
	// Status reports an advisory existence check for addr, answering
	// StatusUnknown instead of doing I/O when a backend cannot tell
	// cheaply.
	Status(ctx context.Context, addr address.Address) (Status, error)
	// RegisterNotifier installs fn to be called after usage crosses the
	// NotifyThreshold of a configured capacity. A Silo with no capacity
	// configured, or that delegates entirely to an inner Silo, may treat
	// this as a no-op or forward it unchanged.
	RegisterNotifier(fn Notifier)
}

// Stats reports the usage counters every Silo exposes for capacity
// planning: block_count and an approximate byte usage total.
type Stats struct {
	BlockCount int
	UsageBytes uint64
}

// Statter is implemented by Silos that can report Stats cheaply (Memory
// and Filesystem do; pass-through wrappers delegate to their inner Silo).
type Statter interface {
	Stats(ctx context.Context) (Stats, error)
}
