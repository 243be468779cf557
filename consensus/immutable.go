package consensus

import (
	"context"
	"fmt"
	"sync"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/block"
	"github.com/memofed/memo/blockerr"
	"github.com/memofed/memo/overlay"
	"github.com/memofed/memo/peer"
)

// CollisionResolver decides whether a colliding immutable insert should
// be accepted as an idempotent no-op instead of failing with
// blockerr.Collision. UBUpsertResolver is the only implementation so far.
type CollisionResolver interface {
	ResolveCollision(proposed, existing []byte) bool
}

// Immutable is the quorum-replication consensus backend for CHB, NB and
// UB addresses: insert replicates to factor peers and
// waits for a strict majority ack, fetch tries known owners in order,
// remove broadcasts a RemoveSignature to all owners.
type Immutable struct {
	overlay overlay.Overlay
	peers   PeerMaker
	cfg     Config
	// Collision, if set, overrides the default "second insert at an
	// occupied address fails" rule.
	Collision CollisionResolver
}

// NewImmutable builds an Immutable consensus backend over ov (address ->
// peer resolution) and pm (peer dialing/caching).
func NewImmutable(ov overlay.Overlay, pm PeerMaker, cfg Config) *Immutable {
	return &Immutable{overlay: ov, peers: pm, cfg: cfg}
}

// Insert replicates b to cfg.ReplicationFactor peers in parallel and
// succeeds once a strict majority have acked. A peer
// refusal with blockerr.Collision is only fatal if no CollisionResolver
// accepts it as an idempotent re-insert.
func (im *Immutable) Insert(ctx context.Context, b block.Block) error {
	addr := b.Address()
	data, err := block.Encode(b)
	if err != nil {
		return fmt.Errorf("consensus: encode block: %w", err)
	}

	refs, err := im.overlay.Allocate(ctx, addr, im.cfg.ReplicationFactor)
	if err != nil {
		return fmt.Errorf("consensus: allocate peers: %w", err)
	}
	acked, errs := im.storeAll(ctx, refs, addr, data)
	needed := quorumSize(im.cfg.ReplicationFactor)
	if acked >= needed {
		return nil
	}

	// Retry once against a fresh allocation round before giving up.
	extra, err := im.overlay.Allocate(ctx, addr, im.cfg.ReplicationFactor)
	if err == nil {
		moreAcked, moreErrs := im.storeAll(ctx, extra, addr, data)
		acked += moreAcked
		errs = append(errs, moreErrs...)
	}
	if acked >= needed {
		return nil
	}
	if first := firstNonNil(errs); first != nil {
		return fmt.Errorf("%w: %d/%d peers acked: %v", ErrNoQuorum, acked, needed, first)
	}
	return fmt.Errorf("%w: %d/%d peers acked", ErrNoQuorum, acked, needed)
}

func (im *Immutable) storeAll(ctx context.Context, refs []overlay.PeerRef, addr address.Address, data []byte) (int, []error) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	acked := 0
	errs := make([]error, len(refs))
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref overlay.PeerRef) {
			defer wg.Done()
			p, err := im.peers.MakePeer(ctx, ref, peer.TransportTCP)
			if err != nil {
				errs[i] = err
				return
			}
			defer p.Close()
			err = p.Store(ctx, addr, data)
			if err != nil && blockerr.Classify(err) == blockerr.KindCollision && im.Collision != nil {
				existing, fetchErr := p.Fetch(ctx, addr)
				if fetchErr == nil && im.Collision.ResolveCollision(data, existing) {
					err = nil
				}
			}
			if err != nil {
				errs[i] = err
				return
			}
			mu.Lock()
			acked++
			mu.Unlock()
		}(i, ref)
	}
	wg.Wait()
	return acked, errs
}

// Fetch asks the overlay for addr's owners and tries each in order,
// returning the first successfully fetched and decoded block. An
// optional Cache wrapper sits in front of Immutable to short-circuit
// repeated reads.
func (im *Immutable) Fetch(ctx context.Context, addr address.Address) (block.Block, error) {
	refs, err := im.overlay.Lookup(ctx, addr, im.cfg.ReplicationFactor, false)
	if err != nil {
		return nil, fmt.Errorf("consensus: lookup owners: %w", err)
	}
	var lastErr error
	for _, ref := range refs {
		p, err := im.peers.MakePeer(ctx, ref, peer.TransportTCP)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := p.Fetch(ctx, addr)
		p.Close()
		if err != nil {
			lastErr = err
			continue
		}
		b, err := block.Decode(data)
		if err != nil {
			lastErr = err
			continue
		}
		return b, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", blockerr.MissingBlock, lastErr)
	}
	return nil, blockerr.MissingBlock
}

// Remove broadcasts sig to every owner returned by the overlay, ignoring
// blockerr.MissingBlock on individual peers.
func (im *Immutable) Remove(ctx context.Context, addr address.Address, sig block.RemoveSignature) error {
	refs, err := im.overlay.Lookup(ctx, addr, im.cfg.ReplicationFactor, false)
	if err != nil {
		return fmt.Errorf("consensus: lookup owners: %w", err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var lastErr error
	for _, ref := range refs {
		wg.Add(1)
		go func(ref overlay.PeerRef) {
			defer wg.Done()
			p, err := im.peers.MakePeer(ctx, ref, peer.TransportTCP)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return
			}
			defer p.Close()
			err = p.Remove(ctx, addr, sig.Signature)
			if err != nil && blockerr.Classify(err) != blockerr.KindMissingBlock {
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
		}(ref)
	}
	wg.Wait()
	return lastErr
}
