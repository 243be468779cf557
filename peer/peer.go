// Package peer implements the abstraction over "the node owning an
// address": Local wraps an in-process silo, Remote speaks RPC over a
// Dock-managed connection, and Dummy is an in-memory stand-in for tests.
package peer

import (
	"context"
	"errors"

	"github.com/memofed/memo/address"
)

// ErrClosed is returned by any operation on a Peer after Close.
var ErrClosed = errors.New("peer: closed")

// PrepareResult is a quorum member's answer to a Paxos prepare request:
// either the highest-numbered value it has already accepted, or
// HasValue=false if it holds nothing for addr yet.
type PrepareResult struct {
	Proposal uint64
	Value    []byte
	HasValue bool
}

// AcceptResult reports whether a quorum member accepted a proposed value.
type AcceptResult struct {
	Accepted bool
}

// Peer is the contract the consensus layer drives: immutable block
// storage/removal, and the three Paxos RPCs for mutable addresses.
type Peer interface {
	ID() string

	// Fetch returns the wire-encoded block stored at addr.
	Fetch(ctx context.Context, addr address.Address) ([]byte, error)
	// Store inserts or overwrites the wire-encoded block data at addr.
	Store(ctx context.Context, addr address.Address, data []byte) error
	// Remove deletes the block at addr, authorized by sig (a wire-encoded
	// block.RemoveSignature).
	Remove(ctx context.Context, addr address.Address, sig []byte) error

	// Prepare is Paxos phase 1: propose proposal for addr.
	Prepare(ctx context.Context, addr address.Address, proposal uint64) (PrepareResult, error)
	// Accept is Paxos phase 2: ask the peer to accept value under proposal.
	Accept(ctx context.Context, addr address.Address, proposal uint64, value []byte) (AcceptResult, error)
	// Confirm is Paxos phase 3: inform the peer the value was chosen.
	Confirm(ctx context.Context, addr address.Address, proposal uint64, value []byte) error

	Close() error
}

// Handler is implemented by whatever serves incoming RPCs on behalf of a
// local node — normally the consensus layer's per-address Paxos acceptor
// state plus the local silo. Dock.Serve dispatches decoded requests to a
// Handler; Local wraps the same Handler without going over the network.
type Handler interface {
	HandleFetch(ctx context.Context, addr address.Address) ([]byte, error)
	HandleStore(ctx context.Context, addr address.Address, data []byte) error
	HandleRemove(ctx context.Context, addr address.Address, sig []byte) error
	HandlePrepare(ctx context.Context, addr address.Address, proposal uint64) (PrepareResult, error)
	HandleAccept(ctx context.Context, addr address.Address, proposal uint64, value []byte) (AcceptResult, error)
	HandleConfirm(ctx context.Context, addr address.Address, proposal uint64, value []byte) error
}
