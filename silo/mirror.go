package silo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/memofed/memo/address"
)

// Mirror replicates every write to a fixed set of backend Silos and
// reads from one of them, optionally round-robin-balancing reads across
// all of them. Writes can fan out concurrently (parallel) or
// sequentially.
type Mirror struct {
	backends     []Silo
	balanceReads bool
	parallel     bool
	readCounter  uint64
}

// NewMirror builds a Mirror over backends, which must be non-empty.
func NewMirror(backends []Silo, balanceReads, parallel bool) (*Mirror, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("silo: Mirror requires at least one backend")
	}
	return &Mirror{backends: append([]Silo(nil), backends...), balanceReads: balanceReads, parallel: parallel}, nil
}

func (m *Mirror) readTarget() Silo {
	if !m.balanceReads {
		return m.backends[0]
	}
	n := atomic.AddUint64(&m.readCounter, 1)
	return m.backends[n%uint64(len(m.backends))]
}

func (m *Mirror) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	return m.readTarget().Fetch(ctx, addr)
}

func (m *Mirror) fanOut(fn func(Silo) error) error {
	if !m.parallel {
		for _, b := range m.backends {
			if err := fn(b); err != nil {
				return err
			}
		}
		return nil
	}
	var wg sync.WaitGroup
	errs := make([]error, len(m.backends))
	for i, b := range m.backends {
		wg.Add(1)
		go func(i int, b Silo) {
			defer wg.Done()
			errs[i] = fn(b)
		}(i, b)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Mirror) Insert(ctx context.Context, addr address.Address, data []byte) error {
	return m.fanOut(func(b Silo) error { return b.Insert(ctx, addr, data) })
}

func (m *Mirror) Update(ctx context.Context, addr address.Address, data []byte) error {
	return m.fanOut(func(b Silo) error { return b.Update(ctx, addr, data) })
}

// Set fans the upsert out to every backend, returning the delta the first
// backend reports (all backends are kept in sync, so their deltas agree).
func (m *Mirror) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	if !m.parallel {
		var first int64
		for i, b := range m.backends {
			d, err := b.Set(ctx, addr, data, insert, update)
			if err != nil {
				return 0, err
			}
			if i == 0 {
				first = d
			}
		}
		return first, nil
	}

	var wg sync.WaitGroup
	deltas := make([]int64, len(m.backends))
	errs := make([]error, len(m.backends))
	for i, b := range m.backends {
		wg.Add(1)
		go func(i int, b Silo) {
			defer wg.Done()
			deltas[i], errs[i] = b.Set(ctx, addr, data, insert, update)
		}(i, b)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	return deltas[0], nil
}

func (m *Mirror) Remove(ctx context.Context, addr address.Address) error {
	return m.fanOut(func(b Silo) error { return b.Remove(ctx, addr) })
}

func (m *Mirror) List(ctx context.Context) ([]address.Address, error) {
	return m.backends[0].List(ctx)
}

// Status reads from the same backend Fetch would.
func (m *Mirror) Status(ctx context.Context, addr address.Address) (Status, error) {
	return m.readTarget().Status(ctx, addr)
}

// RegisterNotifier installs fn on every backend, so a capacity swing on
// any replica is reported.
func (m *Mirror) RegisterNotifier(fn Notifier) {
	for _, b := range m.backends {
		b.RegisterNotifier(fn)
	}
}

func (m *Mirror) Stats(ctx context.Context) (Stats, error) {
	if s, ok := m.backends[0].(Statter); ok {
		return s.Stats(ctx)
	}
	return Stats{}, nil
}
