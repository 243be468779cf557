package silo

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/memofed/memo/address"
)

// Filesystem is a Silo that persists each block as one file under a
// two-level hex-sharded directory tree, root/aa/bb/<hex>.blk, so no single
// directory accumulates millions of entries.
type Filesystem struct {
	root string
	mu   sync.RWMutex
	cap  capacity
}

// NewFilesystem opens (creating if absent) a Filesystem silo rooted at dir,
// with no capacity budget.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Filesystem{root: dir}, nil
}

// NewFilesystemWithCapacity opens a Filesystem silo that refuses Set/Insert
// once usage would exceed capacityBytes, and fires any registered Notifier
// on ~10% usage swings.
func NewFilesystemWithCapacity(dir string, capacityBytes uint64) (*Filesystem, error) {
	f, err := NewFilesystem(dir)
	if err != nil {
		return nil, err
	}
	f.cap.Budget = capacityBytes
	addrs, err := f.List(context.Background())
	if err != nil {
		return nil, err
	}
	var usage int64
	for _, a := range addrs {
		if info, statErr := os.Stat(f.path(a)); statErr == nil {
			usage += info.Size()
		}
	}
	if usage > 0 || len(addrs) > 0 {
		f.cap.reserve(usage, len(addrs))
	}
	return f, nil
}

func (f *Filesystem) path(addr address.Address) string {
	hex := addr.String()
	return filepath.Join(f.root, hex[:2], hex[2:4], hex+".blk")
}

func (f *Filesystem) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := os.ReadFile(f.path(addr))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set is the atomic upsert primitive: insert&&update is an
// upsert, insert-only is a strict insert, update-only is a strict update.
func (f *Filesystem) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	if !insert && !update {
		return 0, ErrInvalidSet
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.path(addr)
	info, statErr := os.Stat(p)
	exists := statErr == nil
	if exists && !update {
		return 0, ErrExists
	}
	if !exists && !insert {
		return 0, ErrNotFound
	}

	var oldSize int64
	if exists {
		oldSize = info.Size()
	}
	delta := int64(len(data)) - oldSize
	blockDelta := 0
	if !exists {
		blockDelta = 1
	}
	if err := f.cap.reserve(delta, blockDelta); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		f.cap.reserve(-delta, -blockDelta)
		return 0, err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		f.cap.reserve(-delta, -blockDelta)
		return 0, err
	}
	return delta, nil
}

func (f *Filesystem) Insert(ctx context.Context, addr address.Address, data []byte) error {
	_, err := f.Set(ctx, addr, data, true, false)
	return err
}

func (f *Filesystem) Update(ctx context.Context, addr address.Address, data []byte) error {
	_, err := f.Set(ctx, addr, data, false, true)
	return err
}

func (f *Filesystem) Remove(ctx context.Context, addr address.Address) error {
	f.mu.Lock()
	p := f.path(addr)
	info, statErr := os.Stat(p)
	if os.IsNotExist(statErr) {
		f.mu.Unlock()
		return ErrNotFound
	}
	err := os.Remove(p)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.cap.reserve(-info.Size(), -1)
	return nil
}

func (f *Filesystem) List(ctx context.Context) ([]address.Address, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []address.Address
	err := filepath.Walk(f.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(p) != ".blk" {
			return nil
		}
		hex := filepath.Base(p)
		hex = hex[:len(hex)-len(".blk")]
		a, decErr := address.FromHex(hex)
		if decErr != nil {
			return nil
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Status reports whether addr is present via a single stat call, without
// reading block contents.
func (f *Filesystem) Status(ctx context.Context, addr address.Address) (Status, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, err := os.Stat(f.path(addr)); err != nil {
		if os.IsNotExist(err) {
			return StatusMissing, nil
		}
		return StatusUnknown, nil
	}
	return StatusExists, nil
}

// RegisterNotifier installs fn to fire on ~10% capacity swings. A
// Filesystem silo with no configured capacity never fires it.
func (f *Filesystem) RegisterNotifier(fn Notifier) {
	f.cap.registerNotifier(fn)
}

func (f *Filesystem) Stats(ctx context.Context) (Stats, error) {
	return f.cap.stats(), nil
}
