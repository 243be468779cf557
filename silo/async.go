package silo

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/memofed/memo/address"
)

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opRemove
	opUpsert
)

type journalEntry struct {
	index uint64
	id    uuid.UUID
	addr  address.Address
	kind  opKind
	data  []byte
}

// journalOp is the gob-encodable form of a journalEntry: one file per
// pending op under the journal directory, named by the decimal op index.
type journalOp struct {
	Index uint64
	ID    string
	Addr  address.Address
	Kind  uint8
	Data  []byte
}

// lastIndexMarker names the journal-directory file recording the next op
// index to allocate, so a journal recovered after a crash never reuses an
// index that may still name a file on disk.
const lastIndexMarker = "last_index"

// Async wraps an inner Silo with a journal: writes return immediately
// after being journaled and merged against any already-pending operation
// for the same address, and a background worker periodically flushes the
// journal to the backend. Each pending op is persisted as a file under
// the journal directory and reloaded on startup, so a crash with queued
// writes loses nothing; the file is deleted once the op has been applied.
type Async struct {
	inner  Silo
	logger *logrus.Logger

	journalDir string

	mu        sync.Mutex
	queue     map[address.Address]*journalEntry
	order     []address.Address
	nextIndex uint64

	maxBlocks int
	maxBytes  int64

	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewAsync wraps inner with a journal rooted at journalDir (empty
// disables persistence) and flushed every flushInterval, with no bound on
// how much may queue between flushes. Ops left behind by a previous run
// are reloaded in index order.
func NewAsync(inner Silo, journalDir string, flushInterval time.Duration, logger *logrus.Logger) (*Async, error) {
	return NewAsyncBounded(inner, journalDir, flushInterval, 0, 0, logger)
}

// NewAsyncBounded is NewAsync with a cap on the journal: once more than
// maxBlocks operations or maxBytes of queued payload are pending, the
// write that crossed the limit flushes the journal synchronously before
// returning. A zero for either limit disables it.
func NewAsyncBounded(inner Silo, journalDir string, flushInterval time.Duration, maxBlocks int, maxBytes int64, logger *logrus.Logger) (*Async, error) {
	if logger == nil {
		logger = logrus.New()
	}
	a := &Async{
		inner: inner, logger: logger, journalDir: journalDir,
		queue:     make(map[address.Address]*journalEntry),
		maxBlocks: maxBlocks, maxBytes: maxBytes,
		flushInterval: flushInterval, stop: make(chan struct{}), done: make(chan struct{}),
	}
	if journalDir != "" {
		if err := os.MkdirAll(journalDir, 0o700); err != nil {
			return nil, fmt.Errorf("silo: async journal dir: %w", err)
		}
		if err := a.recoverJournal(); err != nil {
			return nil, fmt.Errorf("silo: async journal recovery: %w", err)
		}
	}
	go a.worker()
	return a, nil
}

// recoverJournal reloads pending ops persisted by a previous run, in
// index order. Files that fail to read or decode are skipped rather than
// failing recovery outright; a partially-written op from a crash
// mid-persist is indistinguishable from garbage.
func (a *Async) recoverJournal() error {
	entries, err := os.ReadDir(a.journalDir)
	if err != nil {
		return err
	}
	var ops []journalOp
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(a.journalDir, e.Name()))
		if err != nil {
			continue
		}
		if e.Name() == lastIndexMarker {
			if n, err := strconv.ParseUint(string(raw), 10, 64); err == nil && n > a.nextIndex {
				a.nextIndex = n
			}
			continue
		}
		var op journalOp
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&op); err != nil {
			continue
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Index < ops[j].Index })
	for _, op := range ops {
		id, _ := uuid.Parse(op.ID)
		entry := &journalEntry{index: op.Index, id: id, addr: op.Addr, kind: opKind(op.Kind), data: op.Data}
		if _, ok := a.queue[op.Addr]; !ok {
			a.order = append(a.order, op.Addr)
		}
		a.queue[op.Addr] = entry
		if op.Index >= a.nextIndex {
			a.nextIndex = op.Index + 1
		}
	}
	return nil
}

func (a *Async) persist(e *journalEntry) {
	if a.journalDir == "" {
		return
	}
	op := journalOp{Index: e.index, ID: e.id.String(), Addr: e.addr, Kind: uint8(e.kind), Data: e.data}
	f, err := os.Create(filepath.Join(a.journalDir, strconv.FormatUint(e.index, 10)))
	if err != nil {
		a.logger.Printf("async silo: persist op %d: %v", e.index, err)
		return
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(&op); err != nil {
		a.logger.Printf("async silo: encode op %d: %v", e.index, err)
	}
}

func (a *Async) removeJournalFile(index uint64) {
	if a.journalDir == "" {
		return
	}
	os.Remove(filepath.Join(a.journalDir, strconv.FormatUint(index, 10)))
}

func (a *Async) writeLastIndex(next uint64) {
	if a.journalDir == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(a.journalDir, lastIndexMarker), []byte(strconv.FormatUint(next, 10)), 0o600); err != nil {
		a.logger.Printf("async silo: write %s: %v", lastIndexMarker, err)
	}
}

// Close stops the background flush worker. Pending operations are
// flushed once before returning.
func (a *Async) Close(ctx context.Context) error {
	close(a.stop)
	<-a.done
	return a.Flush(ctx)
}

func (a *Async) worker() {
	defer close(a.done)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.Flush(context.Background()); err != nil {
				a.logger.Printf("async silo: flush failed: %v", err)
			}
		case <-a.stop:
			return
		}
	}
}

// Flush applies every pending queued operation to the inner Silo in
// enqueue order, deleting each op's journal file once it has been
// applied. On error the failed op stays queued (and journaled) for the
// next flush.
func (a *Async) Flush(ctx context.Context) error {
	for {
		a.mu.Lock()
		var e *journalEntry
		for len(a.order) > 0 {
			if ent, ok := a.queue[a.order[0]]; ok {
				e = ent
				break
			}
			a.order = a.order[1:] // merged away entirely
		}
		if e == nil {
			a.mu.Unlock()
			return nil
		}
		addr := a.order[0]
		a.mu.Unlock()

		var err error
		switch e.kind {
		case opInsert:
			err = a.inner.Insert(ctx, addr, e.data)
		case opUpdate:
			err = a.inner.Update(ctx, addr, e.data)
		case opUpsert:
			_, err = a.inner.Set(ctx, addr, e.data, true, true)
		case opRemove:
			err = a.inner.Remove(ctx, addr)
			if errors.Is(err, ErrNotFound) {
				// Already absent: the remove's net effect holds.
				err = nil
			}
		}
		if err != nil {
			return err
		}
		a.mu.Lock()
		if cur, ok := a.queue[addr]; ok && cur == e {
			delete(a.queue, addr)
			a.order = a.order[1:]
			a.mu.Unlock()
			a.removeJournalFile(e.index)
		} else {
			// A concurrent write replaced the entry while it was being
			// applied; leave the newer op (and its file) queued.
			a.mu.Unlock()
		}
	}
}

// mergeOp folds a new operation against any already-queued one for the
// same address, implementing the squash matrix: insert+update -> insert,
// update+remove -> remove, insert+remove -> dropped, remove+insert ->
// update, update+update -> keep the latest data, and a remove merged
// against an already-queued remove is dropped (no second remove to send).
// opUpsert (Set with both insert and update set) folds the same way an
// insert would against an existing insert, and the same way an update
// would against an existing update or remove, since an upsert succeeds
// either way.
func mergeOp(existing *journalEntry, newKind opKind, data []byte) (*journalEntry, bool) {
	if existing == nil {
		return &journalEntry{kind: newKind, data: data}, true
	}
	switch existing.kind {
	case opInsert:
		switch newKind {
		case opUpdate, opInsert, opUpsert:
			return &journalEntry{kind: opInsert, data: data}, true
		case opRemove:
			return nil, false
		}
	case opUpdate:
		switch newKind {
		case opRemove:
			return &journalEntry{kind: opRemove}, true
		case opUpdate, opInsert, opUpsert:
			return &journalEntry{kind: opUpdate, data: data}, true
		}
	case opUpsert:
		switch newKind {
		case opRemove:
			return &journalEntry{kind: opRemove}, true
		case opInsert, opUpdate, opUpsert:
			return &journalEntry{kind: opUpsert, data: data}, true
		}
	case opRemove:
		switch newKind {
		case opInsert, opUpdate:
			return &journalEntry{kind: opUpdate, data: data}, true
		case opUpsert:
			return &journalEntry{kind: opUpsert, data: data}, true
		case opRemove:
			return nil, false
		}
	}
	return &journalEntry{kind: newKind, data: data}, true
}

// enqueue merges the op into the journal, persists the merged entry, and
// reports whether the queue has grown past a configured bound, in which
// case the caller flushes synchronously before acknowledging the write.
// A merge onto an existing entry reuses its index, so the on-disk file is
// overwritten in place and recovery preserves enqueue order.
func (a *Async) enqueue(addr address.Address, kind opKind, data []byte) bool {
	a.mu.Lock()
	existing := a.queue[addr]
	merged, keep := mergeOp(existing, kind, data)
	if !keep {
		delete(a.queue, addr)
		a.mu.Unlock()
		if existing != nil {
			a.removeJournalFile(existing.index)
		}
		return false
	}
	merged.id = uuid.New()
	merged.addr = addr
	allocated := false
	if existing != nil {
		merged.index = existing.index
	} else {
		merged.index = a.nextIndex
		a.nextIndex++
		a.order = append(a.order, addr)
		allocated = true
	}
	next := a.nextIndex
	a.queue[addr] = merged
	over := a.overLimitLocked()
	a.mu.Unlock()

	a.persist(merged)
	if allocated {
		a.writeLastIndex(next)
	}
	return over
}

func (a *Async) overLimitLocked() bool {
	if a.maxBlocks > 0 && len(a.queue) > a.maxBlocks {
		return true
	}
	if a.maxBytes > 0 {
		var total int64
		for _, e := range a.queue {
			total += int64(len(e.data))
		}
		if total > a.maxBytes {
			return true
		}
	}
	return false
}

func (a *Async) enqueueFlushing(ctx context.Context, addr address.Address, kind opKind, data []byte) error {
	if a.enqueue(addr, kind, data) {
		return a.Flush(ctx)
	}
	return nil
}

func (a *Async) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	a.mu.Lock()
	if e, ok := a.queue[addr]; ok {
		a.mu.Unlock()
		if e.kind == opRemove {
			return nil, ErrNotFound
		}
		return append([]byte(nil), e.data...), nil
	}
	a.mu.Unlock()
	return a.inner.Fetch(ctx, addr)
}

func (a *Async) Insert(ctx context.Context, addr address.Address, data []byte) error {
	return a.enqueueFlushing(ctx, addr, opInsert, data)
}

func (a *Async) Update(ctx context.Context, addr address.Address, data []byte) error {
	return a.enqueueFlushing(ctx, addr, opUpdate, data)
}

// Set journals an upsert, acknowledging immediately like Insert and
// Update. The byte delta Set ordinarily reports isn't knowable until the
// journal flushes against the inner Silo, so Set always returns a zero
// delta for a queued (not yet flushed) write.
func (a *Async) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	switch {
	case insert && update:
		return 0, a.enqueueFlushing(ctx, addr, opUpsert, data)
	case insert:
		return 0, a.enqueueFlushing(ctx, addr, opInsert, data)
	case update:
		return 0, a.enqueueFlushing(ctx, addr, opUpdate, data)
	default:
		return 0, ErrInvalidSet
	}
}

func (a *Async) Remove(ctx context.Context, addr address.Address) error {
	return a.enqueueFlushing(ctx, addr, opRemove, nil)
}

// Status answers from the journal when addr has a pending operation,
// falling back to the inner Silo otherwise.
func (a *Async) Status(ctx context.Context, addr address.Address) (Status, error) {
	a.mu.Lock()
	if e, ok := a.queue[addr]; ok {
		a.mu.Unlock()
		if e.kind == opRemove {
			return StatusMissing, nil
		}
		return StatusExists, nil
	}
	a.mu.Unlock()
	return a.inner.Status(ctx, addr)
}

// RegisterNotifier forwards fn to the inner Silo; Async holds no capacity
// budget of its own.
func (a *Async) RegisterNotifier(fn Notifier) {
	a.inner.RegisterNotifier(fn)
}

func (a *Async) List(ctx context.Context) ([]address.Address, error) {
	inner, err := a.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[address.Address]bool, len(inner))
	out := make([]address.Address, 0, len(inner))
	for _, addr := range inner {
		if e, ok := a.queue[addr]; ok && e.kind == opRemove {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	for addr, e := range a.queue {
		if !seen[addr] && e.kind != opRemove {
			out = append(out, addr)
		}
	}
	return out, nil
}
