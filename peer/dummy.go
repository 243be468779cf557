package peer

import (
	"context"
	"sync"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/blockerr"
)

type dummyPaxosState struct {
	proposal uint64
	value    []byte
	hasValue bool
}

// Dummy is a Peer that answers entirely from in-memory maps, no network
// involved at all — used by consensus tests that want many "peers"
// without standing up real connections.
type Dummy struct {
	id string

	mu     sync.Mutex
	blocks map[address.Address][]byte
	paxos  map[address.Address]*dummyPaxosState

	// Down makes every call fail with blockerr.Unavailable, simulating an
	// evicted or crashed quorum member for reconfiguration tests.
	Down bool
}

// NewDummy builds an empty Dummy peer identified by id.
func NewDummy(id string) *Dummy {
	return &Dummy{
		id:     id,
		blocks: make(map[address.Address][]byte),
		paxos:  make(map[address.Address]*dummyPaxosState),
	}
}

func (d *Dummy) ID() string { return d.id }

func (d *Dummy) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Down {
		return nil, blockerr.Unavailable
	}
	data, ok := d.blocks[addr]
	if !ok {
		return nil, blockerr.MissingBlock
	}
	return append([]byte(nil), data...), nil
}

func (d *Dummy) Store(ctx context.Context, addr address.Address, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Down {
		return blockerr.Unavailable
	}
	d.blocks[addr] = append([]byte(nil), data...)
	return nil
}

func (d *Dummy) Remove(ctx context.Context, addr address.Address, sig []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Down {
		return blockerr.Unavailable
	}
	if _, ok := d.blocks[addr]; !ok {
		return blockerr.MissingBlock
	}
	delete(d.blocks, addr)
	return nil
}

func (d *Dummy) Prepare(ctx context.Context, addr address.Address, proposal uint64) (PrepareResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Down {
		return PrepareResult{}, blockerr.Unavailable
	}
	st, ok := d.paxos[addr]
	if !ok {
		return PrepareResult{}, nil
	}
	return PrepareResult{Proposal: st.proposal, Value: append([]byte(nil), st.value...), HasValue: st.hasValue}, nil
}

func (d *Dummy) Accept(ctx context.Context, addr address.Address, proposal uint64, value []byte) (AcceptResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Down {
		return AcceptResult{}, blockerr.Unavailable
	}
	st, ok := d.paxos[addr]
	if ok && proposal <= st.proposal {
		return AcceptResult{Accepted: false}, nil
	}
	d.paxos[addr] = &dummyPaxosState{proposal: proposal, value: append([]byte(nil), value...), hasValue: true}
	return AcceptResult{Accepted: true}, nil
}

func (d *Dummy) Confirm(ctx context.Context, addr address.Address, proposal uint64, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Down {
		return blockerr.Unavailable
	}
	// An empty value confirms a tombstone (consensus.Paxos.Tombstone):
	// the address has no decided value to hand back from Prepare/Fetch.
	d.paxos[addr] = &dummyPaxosState{proposal: proposal, value: append([]byte(nil), value...), hasValue: len(value) > 0}
	if len(value) == 0 {
		delete(d.blocks, addr)
		return nil
	}
	d.blocks[addr] = append([]byte(nil), value...)
	return nil
}

func (d *Dummy) Close() error { return nil }
