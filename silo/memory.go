package silo

import (
	"context"
	"sync"

	"github.com/memofed/memo/address"
)

// Memory is an in-process Silo backed by a plain map guarded by a
// RWMutex. Used for tests and ephemeral nodes.
type Memory struct {
	mu    sync.RWMutex
	store map[address.Address][]byte
	cap   capacity
}

// NewMemory builds an empty in-memory Silo with no capacity budget.
func NewMemory() *Memory {
	return &Memory{store: make(map[address.Address][]byte)}
}

// NewMemoryWithCapacity builds an in-memory Silo that refuses Set/Insert
// once usage would exceed capacityBytes, and fires any registered
// Notifier on ~10% usage swings.
func NewMemoryWithCapacity(capacityBytes uint64) *Memory {
	m := NewMemory()
	m.cap.Budget = capacityBytes
	return m
}

func (m *Memory) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.store[addr]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Set is the atomic upsert primitive: insert&&update is an
// upsert, insert-only is a strict insert, update-only is a strict update.
func (m *Memory) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	if !insert && !update {
		return 0, ErrInvalidSet
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old, exists := m.store[addr]
	if exists && !update {
		return 0, ErrExists
	}
	if !exists && !insert {
		return 0, ErrNotFound
	}

	delta := int64(len(data)) - int64(len(old))
	blockDelta := 0
	if !exists {
		blockDelta = 1
	}
	if err := m.cap.reserve(delta, blockDelta); err != nil {
		return 0, err
	}
	m.store[addr] = append([]byte(nil), data...)
	return delta, nil
}

func (m *Memory) Insert(ctx context.Context, addr address.Address, data []byte) error {
	_, err := m.Set(ctx, addr, data, true, false)
	return err
}

func (m *Memory) Update(ctx context.Context, addr address.Address, data []byte) error {
	_, err := m.Set(ctx, addr, data, false, true)
	return err
}

func (m *Memory) Remove(ctx context.Context, addr address.Address) error {
	m.mu.Lock()
	old, ok := m.store[addr]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.store, addr)
	m.mu.Unlock()
	m.cap.reserve(-int64(len(old)), -1)
	return nil
}

func (m *Memory) List(ctx context.Context) ([]address.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]address.Address, 0, len(m.store))
	for a := range m.store {
		out = append(out, a)
	}
	return out, nil
}

// Status reports whether addr is present without copying its bytes.
func (m *Memory) Status(ctx context.Context, addr address.Address) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.store[addr]; ok {
		return StatusExists, nil
	}
	return StatusMissing, nil
}

// RegisterNotifier installs fn to fire on ~10% capacity swings. A Memory
// silo with no configured capacity never fires it.
func (m *Memory) RegisterNotifier(fn Notifier) {
	m.cap.registerNotifier(fn)
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	return m.cap.stats(), nil
}
