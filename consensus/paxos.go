package consensus

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/block"
	"github.com/memofed/memo/blockerr"
	"github.com/memofed/memo/overlay"
	"github.com/memofed/memo/peer"
)

// Paxos is the Multi-Paxos consensus backend for mutable addresses (OKB,
// ACB, GB): one Paxos group per address, decided values are either new
// block versions or new quorums.
type Paxos struct {
	overlay overlay.Overlay
	peers   PeerMaker
	cfg     Config

	mu       sync.Mutex
	quorum   map[address.Address][]overlay.PeerRef
	versions map[address.Address]uint64
	down     map[string]bool // peer ids declared down

	proposalSeq uint64
	nodeTag     uint64 // low byte of this node's identity, folded into proposal numbers
}

// NewPaxos builds a Paxos backend. nodeTag should differ across nodes
// sharing a quorum so two concurrent proposers rarely pick the same
// proposal number.
func NewPaxos(ov overlay.Overlay, pm PeerMaker, cfg Config, nodeTag uint64) *Paxos {
	return &Paxos{
		overlay: ov, peers: pm, cfg: cfg,
		quorum:   make(map[address.Address][]overlay.PeerRef),
		versions: make(map[address.Address]uint64),
		down:     make(map[string]bool),
		nodeTag:  nodeTag & 0xff,
	}
}

func (p *Paxos) nextProposal() uint64 {
	seq := atomic.AddUint64(&p.proposalSeq, 1)
	return seq<<8 | p.nodeTag
}

// DeclareDown marks id as unreachable, so the next quorumFor call for any
// address whose quorum includes id triggers reconfiguration (if
// cfg.RebalanceAutoExpand) instead of continuing to route Paxos traffic
// to it. prepareAll/acceptAll call this automatically on blockerr.Unavailable.
func (p *Paxos) DeclareDown(id string) {
	p.mu.Lock()
	p.down[id] = true
	p.mu.Unlock()
}

// DeclareUp clears a prior DeclareDown, e.g. once a peer reconnects.
func (p *Paxos) DeclareUp(id string) {
	p.mu.Lock()
	delete(p.down, id)
	p.mu.Unlock()
}

func (p *Paxos) quorumFor(ctx context.Context, addr address.Address) ([]overlay.PeerRef, error) {
	p.mu.Lock()
	refs, ok := p.quorum[addr]
	p.mu.Unlock()
	if !ok {
		allocated, err := p.overlay.Allocate(ctx, addr, p.cfg.ReplicationFactor)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.quorum[addr] = allocated
		p.mu.Unlock()
		refs = allocated
	}
	if p.cfg.RebalanceAutoExpand {
		refs = p.rebalance(ctx, addr, refs)
	}
	return refs, nil
}

// rebalance drops any quorum member addr's current quorum that has been
// DeclareDown'd and replaces it with fresh peers from the overlay,
// committing the updated membership locally. Because this implementation
// treats the local node's view of quorum membership as authoritative
// rather than running a second Paxos instance over the quorum value
// itself, reconfiguration is not linearizable against concurrent writers
// the way a full meta-Paxos round would be. If no live replacement can be
// found, the degraded quorum (still containing the dead member) is
// returned unchanged so the caller's own quorum-size check surfaces the
// failure.
func (p *Paxos) rebalance(ctx context.Context, addr address.Address, refs []overlay.PeerRef) []overlay.PeerRef {
	p.mu.Lock()
	excluded := make(map[string]bool, len(refs))
	live := make([]overlay.PeerRef, 0, len(refs))
	dead := 0
	for _, r := range refs {
		excluded[r.ID] = true
		if p.down[r.ID] {
			dead++
			continue
		}
		live = append(live, r)
	}
	p.mu.Unlock()
	if dead == 0 {
		return refs
	}

	logger := p.cfg.logger().With(zap.String("addr", addr.String()))
	replacements, err := p.allocateReplacements(ctx, addr, dead, excluded)
	if err != nil {
		logger.Warn("quorum rebalance: could not allocate replacement peers", zap.Int("dropped", dead), zap.Error(err))
		return refs
	}
	newQuorum := append(live, replacements...)
	p.mu.Lock()
	p.quorum[addr] = newQuorum
	p.mu.Unlock()
	logger.Info("quorum rebalanced", zap.Int("dropped", dead), zap.Int("size", len(newQuorum)))
	return newQuorum
}

// allocateReplacements asks the overlay for n fresh peers to fill
// addr's quorum, filtering out anything already present (including the
// peer(s) being dropped) so it never reintroduces a known-dead member.
func (p *Paxos) allocateReplacements(ctx context.Context, addr address.Address, n int, excluded map[string]bool) ([]overlay.PeerRef, error) {
	candidates, err := p.overlay.Allocate(ctx, addr, n+len(excluded))
	if err != nil {
		return nil, err
	}
	out := make([]overlay.PeerRef, 0, n)
	for _, c := range candidates {
		if excluded[c.ID] {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	if len(out) < n {
		return nil, fmt.Errorf("consensus: overlay could not provide %d replacement peers", n)
	}
	return out, nil
}

// Reconfigure replaces addr's known quorum membership, used when a
// Paxos value decides a new quorum.
func (p *Paxos) Reconfigure(addr address.Address, refs []overlay.PeerRef) {
	p.mu.Lock()
	p.quorum[addr] = refs
	p.mu.Unlock()
}

type prepareOutcome struct {
	ref    overlay.PeerRef
	result peer.PrepareResult
	err    error
}

// Write runs propose -> accept -> confirm for b. If the
// Paxos round decided a different value than b, resolver is invoked with
// (b, decided); resolver.Resolve either supplies a new block to retry
// with or aborts the write with blockerr.Conflict. It returns the block it
// committed (b itself, or the resolver's replacement), not a re-decoded
// copy, so a caller holding the signer can seal the next version from it.
func (p *Paxos) Write(ctx context.Context, b block.Mutable, resolver ConflictResolver) (block.Block, error) {
	addr := b.Address()
	refs, err := p.quorumFor(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("consensus: quorum for %s: %w", addr, err)
	}
	needed := quorumSize(len(refs))
	logger := p.cfg.logger().With(zap.String("addr", addr.String()))

	value, err := block.Encode(b)
	if err != nil {
		return nil, fmt.Errorf("consensus: encode block: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		proposal := p.nextProposal()
		outcomes := p.prepareAll(ctx, refs, addr, proposal)
		acked := 0
		var highest *prepareOutcome
		for i := range outcomes {
			if outcomes[i].err != nil {
				continue
			}
			acked++
			if outcomes[i].result.HasValue && (highest == nil || outcomes[i].result.Proposal > highest.result.Proposal) {
				o := outcomes[i]
				highest = &o
			}
		}
		if acked < needed {
			logger.Warn("paxos prepare quorum not reached", zap.Int("acked", acked), zap.Int("needed", needed))
			return nil, fmt.Errorf("%w: prepare phase, %d/%d", ErrNoQuorum, acked, needed)
		}

		toPropose := value
		if highest != nil && !bytes.Equal(highest.result.Value, value) {
			current, err := block.Decode(highest.result.Value)
			if err != nil {
				return nil, fmt.Errorf("consensus: decode decided value: %w", err)
			}
			switch nb := b.(type) {
			case *block.ACB:
				if prev, ok := current.(*block.ACB); ok {
					if err := nb.CheckWriterAllowed(prev); err != nil {
						return nil, fmt.Errorf("%w: %v", blockerr.ValidationFailed, err)
					}
				}
			case *block.GB:
				if prev, ok := current.(*block.GB); ok {
					if err := nb.CheckWriterAllowed(prev); err != nil {
						return nil, fmt.Errorf("%w: %v", blockerr.ValidationFailed, err)
					}
				}
			}
			// A decided value whose version is already behind ours is not
			// a real conflict, just the prior round's state: our own
			// (newer) proposal simply supersedes it. Only invoke the
			// resolver when the decided version is at or ahead of ours,
			// meaning a concurrent writer may have won.
			if current.Version() >= b.Version() {
				retry, ok := resolver.Resolve(b, current)
				if !ok {
					logger.Info("paxos conflict aborted by resolver")
					return nil, blockerr.Conflict
				}
				toPropose, err = block.Encode(retry)
				if err != nil {
					return nil, fmt.Errorf("consensus: encode resolved block: %w", err)
				}
				b = retry.(block.Mutable)
			}
		}

		accepted := p.acceptAll(ctx, refs, addr, proposal, toPropose)
		if accepted < needed {
			logger.Warn("paxos accept quorum not reached", zap.Int("accepted", accepted), zap.Int("needed", needed))
			continue // another proposer may have won; retry with a fresh proposal number
		}

		p.confirmAll(ctx, refs, addr, proposal, toPropose)
		p.mu.Lock()
		p.versions[addr] = b.Version()
		p.mu.Unlock()
		logger.Info("paxos round committed", zap.Uint64("proposal", proposal), zap.Uint64("version", b.Version()))
		return b, nil
	}
	return nil, fmt.Errorf("%w: lost accept race twice", ErrNoQuorum)
}

// Read returns addr's currently decided value. If localVersion is
// nonzero and no newer version has been observed, it returns (nil, nil):
// the caller's copy is already current.
func (p *Paxos) Read(ctx context.Context, addr address.Address, localVersion uint64) (block.Block, error) {
	p.mu.Lock()
	known := p.versions[addr]
	p.mu.Unlock()
	if localVersion > 0 && known <= localVersion {
		return nil, nil
	}

	refs, err := p.quorumFor(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("consensus: quorum for %s: %w", addr, err)
	}
	needed := quorumSize(len(refs))
	outcomes := p.prepareAll(ctx, refs, addr, p.nextProposal())

	counts := make(map[string]int)
	values := make(map[string][]byte)
	acked := 0
	for _, o := range outcomes {
		if o.err != nil || !o.result.HasValue {
			continue
		}
		acked++
		key := string(o.result.Value)
		counts[key]++
		values[key] = o.result.Value
	}
	if acked == 0 {
		return nil, blockerr.MissingBlock
	}
	for key, n := range counts {
		if n >= needed {
			b, err := block.Decode(values[key])
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			if b.Version() > p.versions[addr] {
				p.versions[addr] = b.Version()
			}
			p.mu.Unlock()
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no-op round did not converge, retry", ErrNoQuorum)
}

// Tombstone confirms an empty value for addr across its quorum. sig is
// not verified: neither Tombstone nor the acceptors' Accept/Confirm
// handlers check it against the current version holder's key. Mutable
// removal has no Paxos phase of its own; it is modeled as a
// confirmed empty value, which HandleFetch then reports as MissingBlock.
func (p *Paxos) Tombstone(ctx context.Context, addr address.Address, sig block.RemoveSignature) error {
	refs, err := p.quorumFor(ctx, addr)
	if err != nil {
		return fmt.Errorf("consensus: quorum for %s: %w", addr, err)
	}
	proposal := p.nextProposal()
	accepted := p.acceptAll(ctx, refs, addr, proposal, nil)
	if accepted < quorumSize(len(refs)) {
		return fmt.Errorf("%w: tombstone accept phase", ErrNoQuorum)
	}
	p.confirmAll(ctx, refs, addr, proposal, nil)
	return nil
}

func (p *Paxos) prepareAll(ctx context.Context, refs []overlay.PeerRef, addr address.Address, proposal uint64) []prepareOutcome {
	out := make([]prepareOutcome, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref overlay.PeerRef) {
			defer wg.Done()
			pr, err := p.peers.MakePeer(ctx, ref, peer.TransportTCP)
			if err != nil {
				out[i] = prepareOutcome{ref: ref, err: err}
				return
			}
			defer pr.Close()
			result, err := pr.Prepare(ctx, addr, proposal)
			if err != nil && blockerr.Classify(err) == blockerr.KindUnavailable {
				p.DeclareDown(ref.ID)
			}
			out[i] = prepareOutcome{ref: ref, result: result, err: err}
		}(i, ref)
	}
	wg.Wait()
	return out
}

func (p *Paxos) acceptAll(ctx context.Context, refs []overlay.PeerRef, addr address.Address, proposal uint64, value []byte) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, ref := range refs {
		wg.Add(1)
		go func(ref overlay.PeerRef) {
			defer wg.Done()
			pr, err := p.peers.MakePeer(ctx, ref, peer.TransportTCP)
			if err != nil {
				return
			}
			defer pr.Close()
			result, err := pr.Accept(ctx, addr, proposal, value)
			if err != nil {
				if blockerr.Classify(err) == blockerr.KindUnavailable {
					p.DeclareDown(ref.ID)
				}
				return
			}
			if result.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(ref)
	}
	wg.Wait()
	return accepted
}

func (p *Paxos) confirmAll(ctx context.Context, refs []overlay.PeerRef, addr address.Address, proposal uint64, value []byte) {
	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref overlay.PeerRef) {
			defer wg.Done()
			pr, err := p.peers.MakePeer(ctx, ref, peer.TransportTCP)
			if err != nil {
				return
			}
			defer pr.Close()
			pr.Confirm(ctx, addr, proposal, value)
		}(ref)
	}
	wg.Wait()
}
