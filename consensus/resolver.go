package consensus

import (
	"bytes"

	"github.com/memofed/memo/block"
)

// ACBDeltaResolver is the default ConflictResolver for ACB writes:
// when a concurrent writer's version won the Paxos
// round, it re-applies the caller's delta (the ACL edits and/or payload
// rewrite they intended) against the new base instead of discarding the
// write outright.
type ACBDeltaResolver struct {
	// Delta mutates base in place to express the caller's intended change.
	// It is re-run against whatever version Paxos actually decided.
	Delta func(base *block.ACB) error
}

// Resolve applies r.Delta to current (which must be an *ACB) and returns
// the result as the next value to propose. It aborts with ok=false if
// current is not an ACB or the delta fails.
func (r ACBDeltaResolver) Resolve(proposed, current block.Block) (block.Block, bool) {
	base, ok := current.(*block.ACB)
	if !ok || r.Delta == nil {
		return nil, false
	}
	next := base.Clone().(*block.ACB)
	if err := r.Delta(next); err != nil {
		return nil, false
	}
	return next, true
}

// UBUpsertResolver implements idempotent re-assertion of a UB binding:
// re-inserting the
// exact same username/pubkey binding that already exists is treated as a
// successful no-op rather than a hard Collision, since UB content is
// immutable and identical resubmission carries no conflicting intent.
// It is used by consensus.Immutable's collision path, not by Paxos.
type UBUpsertResolver struct{}

// ResolveCollision reports whether an immutable insert colliding with an
// already-stored UB at the same address should be treated as success:
// true when the wire-encoded content is byte-identical.
func (UBUpsertResolver) ResolveCollision(proposed, existing []byte) bool {
	return bytes.Equal(proposed, existing)
}
