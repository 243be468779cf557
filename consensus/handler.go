package consensus

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/block"
	"github.com/memofed/memo/blockerr"
	"github.com/memofed/memo/peer"
	"github.com/memofed/memo/silo"
)

type acceptorState struct {
	proposal uint64
	value    []byte
	hasValue bool
}

// NodeHandler is this node's acceptor: it serves every RPC a remote peer
// or Dock.Serve dispatches, backing immutable Fetch/Store/Remove with a
// local Silo and mutable Prepare/Accept/Confirm with in-memory Paxos
// acceptor state — the same role peer.Dummy plays in tests, but
// persistent and silo-backed. Wrap it in peer.NewLocal to address this
// node as a Peer without going over the network.
type NodeHandler struct {
	store silo.Silo
	// Collision mirrors Immutable.Collision: it is consulted before a
	// Store that would otherwise collide with already-stored content
	// fails outright.
	Collision CollisionResolver

	mu        sync.Mutex
	acceptors map[address.Address]*acceptorState
}

// NewNodeHandler builds a NodeHandler backed by store.
func NewNodeHandler(store silo.Silo) *NodeHandler {
	return &NodeHandler{store: store, acceptors: make(map[address.Address]*acceptorState)}
}

func (h *NodeHandler) HandleFetch(ctx context.Context, addr address.Address) ([]byte, error) {
	data, err := h.store.Fetch(ctx, addr)
	if err == silo.ErrNotFound {
		return nil, blockerr.MissingBlock
	}
	return data, err
}

func (h *NodeHandler) HandleStore(ctx context.Context, addr address.Address, data []byte) error {
	existing, err := h.store.Fetch(ctx, addr)
	switch err {
	case nil:
		if bytes.Equal(existing, data) {
			return nil
		}
		if h.Collision != nil && h.Collision.ResolveCollision(data, existing) {
			return h.store.Update(ctx, addr, data)
		}
		return blockerr.Collision
	case silo.ErrNotFound:
		return h.store.Insert(ctx, addr, data)
	default:
		return err
	}
}

// HandleRemove verifies the RemoveSignature against the stored block's own
// key material before deleting it. Stored bytes that don't decode as a block envelope
// are removed without a signature check; this node can't tell who is
// allowed to delete what it can't parse.
func (h *NodeHandler) HandleRemove(ctx context.Context, addr address.Address, sig []byte) error {
	data, err := h.store.Fetch(ctx, addr)
	if err == silo.ErrNotFound {
		return blockerr.MissingBlock
	}
	if err != nil {
		return err
	}
	if blk, decErr := block.Decode(data); decErr == nil {
		if verr := block.VerifyRemove(blk, block.RemoveSignature{Signature: sig}); verr != nil {
			return fmt.Errorf("%w: remove signature: %v", blockerr.ValidationFailed, verr)
		}
	}
	err = h.store.Remove(ctx, addr)
	if err == silo.ErrNotFound {
		return blockerr.MissingBlock
	}
	return err
}

func (h *NodeHandler) acceptorFor(addr address.Address) *acceptorState {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.acceptors[addr]
	if !ok {
		st = &acceptorState{}
		h.acceptors[addr] = st
	}
	return st
}

// HandlePrepare answers with the highest value this acceptor has
// accepted for addr so far, matching peer.Dummy's simplified Prepare
// (no separate promise bookkeeping beyond Accept's own proposal check).
func (h *NodeHandler) HandlePrepare(ctx context.Context, addr address.Address, proposal uint64) (peer.PrepareResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.acceptors[addr]
	if !ok {
		return peer.PrepareResult{}, nil
	}
	return peer.PrepareResult{Proposal: st.proposal, Value: append([]byte(nil), st.value...), HasValue: st.hasValue}, nil
}

// HandleAccept accepts value under proposal only if proposal is strictly
// greater than any this acceptor has already accepted for addr.
func (h *NodeHandler) HandleAccept(ctx context.Context, addr address.Address, proposal uint64, value []byte) (peer.AcceptResult, error) {
	st := h.acceptorFor(addr)
	h.mu.Lock()
	defer h.mu.Unlock()
	if st.hasValue && proposal <= st.proposal {
		return peer.AcceptResult{Accepted: false}, nil
	}
	st.proposal = proposal
	st.value = append([]byte(nil), value...)
	st.hasValue = true
	return peer.AcceptResult{Accepted: true}, nil
}

// HandleConfirm commits value as addr's decided state, both in the
// acceptor record and in the local silo so HandleFetch serves it.
func (h *NodeHandler) HandleConfirm(ctx context.Context, addr address.Address, proposal uint64, value []byte) error {
	st := h.acceptorFor(addr)
	h.mu.Lock()
	st.proposal = proposal
	st.value = append([]byte(nil), value...)
	st.hasValue = len(value) > 0
	h.mu.Unlock()

	if len(value) == 0 {
		// Tombstone confirmation (Paxos.Tombstone): drop any stored copy.
		err := h.store.Remove(ctx, addr)
		if err == silo.ErrNotFound {
			return nil
		}
		return err
	}

	_, err := h.store.Fetch(ctx, addr)
	switch err {
	case nil:
		return h.store.Update(ctx, addr, value)
	case silo.ErrNotFound:
		return h.store.Insert(ctx, addr, value)
	default:
		return err
	}
}
