package silo

import (
	"context"
	"time"

	"github.com/memofed/memo/address"
)

// Latency wraps an inner Silo with a fixed per-operation artificial
// delay on Fetch, Insert/Update, and Remove — used in tests to model
// slow or distant backends. A zero duration disables the delay for that
// operation.
type Latency struct {
	inner       Silo
	fetchDelay  time.Duration
	writeDelay  time.Duration
	removeDelay time.Duration
}

// NewLatency wraps inner with the given per-operation delays.
func NewLatency(inner Silo, fetchDelay, writeDelay, removeDelay time.Duration) *Latency {
	return &Latency{inner: inner, fetchDelay: fetchDelay, writeDelay: writeDelay, removeDelay: removeDelay}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (l *Latency) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	if err := sleep(ctx, l.fetchDelay); err != nil {
		return nil, err
	}
	return l.inner.Fetch(ctx, addr)
}

func (l *Latency) Insert(ctx context.Context, addr address.Address, data []byte) error {
	if err := sleep(ctx, l.writeDelay); err != nil {
		return err
	}
	return l.inner.Insert(ctx, addr, data)
}

func (l *Latency) Update(ctx context.Context, addr address.Address, data []byte) error {
	if err := sleep(ctx, l.writeDelay); err != nil {
		return err
	}
	return l.inner.Update(ctx, addr, data)
}

// Set applies the configured write delay before delegating the upsert.
func (l *Latency) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	if err := sleep(ctx, l.writeDelay); err != nil {
		return 0, err
	}
	return l.inner.Set(ctx, addr, data, insert, update)
}

func (l *Latency) Remove(ctx context.Context, addr address.Address) error {
	if err := sleep(ctx, l.removeDelay); err != nil {
		return err
	}
	return l.inner.Remove(ctx, addr)
}

func (l *Latency) List(ctx context.Context) ([]address.Address, error) {
	return l.inner.List(ctx)
}

// Status is answered without the artificial delay: it's meant to be a
// cheap advisory check, not a full operation.
func (l *Latency) Status(ctx context.Context, addr address.Address) (Status, error) {
	return l.inner.Status(ctx, addr)
}

// RegisterNotifier forwards fn to the inner Silo; Latency holds no
// capacity budget of its own.
func (l *Latency) RegisterNotifier(fn Notifier) {
	l.inner.RegisterNotifier(fn)
}

func (l *Latency) Stats(ctx context.Context) (Stats, error) {
	if s, ok := l.inner.(Statter); ok {
		return s.Stats(ctx)
	}
	return Stats{}, nil
}
