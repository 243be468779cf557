package consensus

import (
	"context"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/block"
)

// Backend is the shape both Immutable and Paxos present to the stacked
// Cache and Async wrappers, so either can sit underneath
// without the wrappers knowing which replication strategy is in play.
type Backend interface {
	Fetch(ctx context.Context, addr address.Address) (block.Block, error)
	Store(ctx context.Context, b block.Block, resolver ConflictResolver) (block.Block, error)
	Remove(ctx context.Context, addr address.Address, sig block.RemoveSignature) error
}

// immutableBackend adapts Immutable to Backend: resolver is unused since
// immutable writes never conflict, they either succeed or collide.
type immutableBackend struct{ im *Immutable }

func (b immutableBackend) Fetch(ctx context.Context, addr address.Address) (block.Block, error) {
	return b.im.Fetch(ctx, addr)
}

func (b immutableBackend) Store(ctx context.Context, blk block.Block, resolver ConflictResolver) (block.Block, error) {
	if err := b.im.Insert(ctx, blk); err != nil {
		return nil, err
	}
	return blk, nil
}

func (b immutableBackend) Remove(ctx context.Context, addr address.Address, sig block.RemoveSignature) error {
	return b.im.Remove(ctx, addr, sig)
}

// AsBackend adapts im to the Backend interface the stacked wrappers use.
func (im *Immutable) AsBackend() Backend { return immutableBackend{im: im} }

// paxosBackend adapts Paxos to Backend.
type paxosBackend struct{ px *Paxos }

func (b paxosBackend) Fetch(ctx context.Context, addr address.Address) (block.Block, error) {
	blk, err := b.px.Read(ctx, addr, 0)
	if err != nil {
		return nil, err
	}
	return blk, nil
}

func (b paxosBackend) Store(ctx context.Context, blk block.Block, resolver ConflictResolver) (block.Block, error) {
	mutable, ok := blk.(block.Mutable)
	if !ok {
		return nil, block.ErrWriterNotPermitted
	}
	return b.px.Write(ctx, mutable, resolver)
}

func (b paxosBackend) Remove(ctx context.Context, addr address.Address, sig block.RemoveSignature) error {
	return b.px.Tombstone(ctx, addr, sig)
}

// AsBackend adapts px to the Backend interface the stacked wrappers use.
func (px *Paxos) AsBackend() Backend { return paxosBackend{px: px} }
