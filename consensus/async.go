package consensus

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/block"
)

type opKind uint8

const (
	opStore opKind = iota
	opRemove
)

// asyncOp is one journaled operation: store ops carry the wire-encoded
// block, remove ops carry the RemoveSignature.
type asyncOp struct {
	Index uint64
	ID    string
	Addr  address.Address
	Kind  opKind
	Data  []byte
	Sig   block.RemoveSignature
}

// Async is a stacked consensus wrapper that acknowledges
// the caller immediately and replays ops against backend from a
// persisted, monotonically-indexed journal. Ops are re-executed from the
// journal on startup, and consecutive ops on the same address squash to
// their net effect (insert+update -> insert; update+remove -> remove)
// within a bounded lookback window.
type Async struct {
	backend    Backend
	journalDir string
	maxSquash  int

	mu        sync.Mutex
	queue     []asyncOp
	nextIndex uint64
	wake      chan struct{}
	// resolver replays store ops, including ops recovered from the journal
	// at startup — a ConflictResolver supplied at enqueue time is a live Go
	// value and isn't itself journaled, so the most recent one stands in
	// for every replay. Guarded by mu.
	resolver ConflictResolver
}

// NewAsync builds an Async wrapper over backend. If journalDir is
// non-empty, any ops left over from a previous run are loaded (not yet
// replayed — call Start to begin draining) in index order.
func NewAsync(backend Backend, journalDir string, maxSquash int) (*Async, error) {
	a := &Async{backend: backend, journalDir: journalDir, maxSquash: maxSquash, wake: make(chan struct{}, 1)}
	if journalDir == "" {
		return a, nil
	}
	if err := os.MkdirAll(journalDir, 0o700); err != nil {
		return nil, fmt.Errorf("consensus: async journal dir: %w", err)
	}
	entries, err := os.ReadDir(journalDir)
	if err != nil {
		return nil, err
	}
	var ops []asyncOp
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(journalDir, e.Name()))
		if err != nil {
			continue
		}
		var op asyncOp
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&op); err != nil {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Index < ops[j].Index })
	a.queue = ops
	if len(ops) > 0 {
		a.nextIndex = ops[len(ops)-1].Index + 1
	}
	return a, nil
}

// Start runs the replay loop until ctx is canceled: each time an op is
// enqueued (or at startup, if the recovered queue is non-empty) it drains
// the queue against backend in index order.
func (a *Async) Start(ctx context.Context) {
	a.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
			a.drain(ctx)
		}
	}
}

func (a *Async) drain(ctx context.Context) {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		op := a.queue[0]
		resolver := a.resolver
		a.mu.Unlock()

		var err error
		switch op.Kind {
		case opStore:
			blk, decErr := block.Decode(op.Data)
			if decErr != nil {
				err = decErr
				break
			}
			_, err = a.backend.Store(ctx, blk, resolver)
		case opRemove:
			err = a.backend.Remove(ctx, op.Addr, op.Sig)
		}
		if err != nil {
			return // leave the op queued; a later wake retries the same head
		}
		a.mu.Lock()
		if len(a.queue) > 0 && a.queue[0].Index == op.Index {
			a.queue = a.queue[1:]
		}
		a.mu.Unlock()
		a.removeJournalFile(op.Index)
	}
}

func (a *Async) persist(op asyncOp) {
	if a.journalDir == "" {
		return
	}
	path := filepath.Join(a.journalDir, strconv.FormatUint(op.Index, 10))
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	gob.NewEncoder(f).Encode(&op)
}

func (a *Async) removeJournalFile(index uint64) {
	if a.journalDir == "" {
		return
	}
	os.Remove(filepath.Join(a.journalDir, strconv.FormatUint(index, 10)))
}

// squash drops earlier queued ops on the same address as the new op,
// within the most recent maxSquash entries, so insert+update nets to a
// single store and update+remove nets to a single remove.
func (a *Async) squash(addr address.Address) {
	if a.maxSquash <= 0 || len(a.queue) <= 1 {
		return
	}
	start := 0
	if len(a.queue)-a.maxSquash > start {
		start = len(a.queue) - a.maxSquash
	}
	kept := a.queue[:len(a.queue)-1]
	var out []asyncOp
	for i, op := range kept {
		if i >= start && op.Addr == addr {
			a.removeJournalFile(op.Index)
			continue
		}
		out = append(out, op)
	}
	a.queue = append(out, a.queue[len(a.queue)-1])
}

func (a *Async) enqueue(op asyncOp) {
	a.mu.Lock()
	a.queue = append(a.queue, op)
	a.squash(op.Addr)
	a.mu.Unlock()
	a.persist(op)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Flush synchronously drains the queue against backend, blocking until
// every queued op has either committed or hit a retryable error. Used by
// the model facade's shutdown path so a node does not leave committed-
// locally-but-not-yet-replicated writes behind for a restart to replay.
func (a *Async) Flush(ctx context.Context) {
	a.drain(ctx)
}

// Fetch reads straight through to backend: Async only defers writes.
func (a *Async) Fetch(ctx context.Context, addr address.Address) (block.Block, error) {
	return a.backend.Fetch(ctx, addr)
}

// Store journals blk and acknowledges immediately, returning blk itself
// as the (not-yet-committed) accepted value. resolver is retained as the
// replay resolver for every subsequently drained op, including ops
// recovered from the journal after a restart.
func (a *Async) Store(ctx context.Context, blk block.Block, resolver ConflictResolver) (block.Block, error) {
	data, err := block.Encode(blk)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	if resolver != nil {
		a.resolver = resolver
	}
	idx := a.nextIndex
	a.nextIndex++
	a.mu.Unlock()
	a.enqueue(asyncOp{Index: idx, ID: uuid.NewString(), Addr: blk.Address(), Kind: opStore, Data: data})
	return blk, nil
}

// Remove journals a removal and acknowledges immediately.
func (a *Async) Remove(ctx context.Context, addr address.Address, sig block.RemoveSignature) error {
	a.mu.Lock()
	idx := a.nextIndex
	a.nextIndex++
	a.mu.Unlock()
	a.enqueue(asyncOp{Index: idx, ID: uuid.NewString(), Addr: addr, Kind: opRemove, Sig: sig})
	return nil
}
