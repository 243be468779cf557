package silo

import (
	"context"
	"fmt"

	"github.com/memofed/memo/address"
)

// Strip shards blocks across a fixed, ordered list of backend Silos by
// the byte sum of the address — really sharding rather than striping.
// The same backend list, in the same order, must be supplied every time
// a Strip is reopened, or addresses resolve to the wrong backend.
type Strip struct {
	backends []Silo
}

// NewStrip builds a Strip over backends, which must be non-empty.
func NewStrip(backends []Silo) (*Strip, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("silo: Strip requires at least one backend")
	}
	return &Strip{backends: append([]Silo(nil), backends...)}, nil
}

func (s *Strip) backendOf(addr address.Address) Silo {
	var sum uint64
	for _, b := range addr.Bytes() {
		sum += uint64(b)
	}
	return s.backends[sum%uint64(len(s.backends))]
}

func (s *Strip) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	return s.backendOf(addr).Fetch(ctx, addr)
}

func (s *Strip) Insert(ctx context.Context, addr address.Address, data []byte) error {
	return s.backendOf(addr).Insert(ctx, addr, data)
}

func (s *Strip) Update(ctx context.Context, addr address.Address, data []byte) error {
	return s.backendOf(addr).Update(ctx, addr, data)
}

// Set delegates to whichever backend addr hashes to.
func (s *Strip) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	return s.backendOf(addr).Set(ctx, addr, data, insert, update)
}

func (s *Strip) Remove(ctx context.Context, addr address.Address) error {
	return s.backendOf(addr).Remove(ctx, addr)
}

// Status delegates to whichever backend addr hashes to.
func (s *Strip) Status(ctx context.Context, addr address.Address) (Status, error) {
	return s.backendOf(addr).Status(ctx, addr)
}

// RegisterNotifier installs fn on every backend, so a capacity swing on
// any shard is reported.
func (s *Strip) RegisterNotifier(fn Notifier) {
	for _, b := range s.backends {
		b.RegisterNotifier(fn)
	}
}

func (s *Strip) List(ctx context.Context) ([]address.Address, error) {
	var out []address.Address
	for _, b := range s.backends {
		addrs, err := b.List(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, addrs...)
	}
	return out, nil
}

func (s *Strip) Stats(ctx context.Context) (Stats, error) {
	var total Stats
	for _, b := range s.backends {
		st, ok := b.(Statter)
		if !ok {
			continue
		}
		s, err := st.Stats(ctx)
		if err != nil {
			return Stats{}, err
		}
		total.BlockCount += s.BlockCount
		total.UsageBytes += s.UsageBytes
	}
	return total, nil
}
