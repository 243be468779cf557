package consensus

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/block"
)

type cacheEntry struct {
	blk       block.Block
	expiresAt time.Time // zero for immutable entries, which never expire
}

// Cache is a stacked consensus wrapper: an LRU over
// fetched blocks, with a TTL for mutable entries (immutable entries never
// expire, since content-addressed data can't go stale) and an optional
// disk overflow directory keyed by address for entries evicted from
// memory.
type Cache struct {
	backend     Backend
	ttl         time.Duration
	overflowDir string

	mu    sync.Mutex
	items *lru.Cache[address.Address, cacheEntry]
}

// NewCache wraps backend with an LRU of size capacity. ttl bounds how
// long a mutable entry is served from cache before the next Fetch goes
// to backend again; overflowDir, if non-empty, persists evicted entries'
// wire bytes so a later Fetch can still short-circuit from disk.
func NewCache(backend Backend, capacity int, ttl time.Duration, overflowDir string) (*Cache, error) {
	c := &Cache{backend: backend, ttl: ttl, overflowDir: overflowDir}
	items, err := lru.NewWithEvict[address.Address, cacheEntry](capacity, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.items = items
	return c, nil
}

func (c *Cache) onEvict(addr address.Address, entry cacheEntry) {
	if c.overflowDir == "" {
		return
	}
	data, err := block.Encode(entry.blk)
	if err != nil {
		return
	}
	_ = os.MkdirAll(c.overflowDir, 0o700)
	_ = os.WriteFile(filepath.Join(c.overflowDir, addr.String()), data, 0o600)
}

func (c *Cache) Fetch(ctx context.Context, addr address.Address) (block.Block, error) {
	c.mu.Lock()
	entry, ok := c.items.Get(addr)
	c.mu.Unlock()
	if ok && (entry.expiresAt.IsZero() || time.Now().Before(entry.expiresAt)) {
		return entry.blk, nil
	}
	if data, ok := c.readOverflow(addr); ok {
		if blk, err := block.Decode(data); err == nil {
			c.put(addr, blk)
			return blk, nil
		}
	}

	blk, err := c.backend.Fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.put(addr, blk)
	return blk, nil
}

func (c *Cache) readOverflow(addr address.Address) ([]byte, bool) {
	if c.overflowDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(c.overflowDir, addr.String()))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) put(addr address.Address, blk block.Block) {
	entry := cacheEntry{blk: blk}
	if blk.Version() > 0 && c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.items.Add(addr, entry)
	c.mu.Unlock()
}

// Store writes through to backend and invalidates addr's cache entry
// immediately,
// re-populating from the backend's result so the next Fetch is warm.
func (c *Cache) Store(ctx context.Context, blk block.Block, resolver ConflictResolver) (block.Block, error) {
	addr := blk.Address()
	c.mu.Lock()
	c.items.Remove(addr)
	c.mu.Unlock()

	committed, err := c.backend.Store(ctx, blk, resolver)
	if err != nil {
		return nil, err
	}
	c.put(addr, committed)
	return committed, nil
}

func (c *Cache) Remove(ctx context.Context, addr address.Address, sig block.RemoveSignature) error {
	c.mu.Lock()
	c.items.Remove(addr)
	c.mu.Unlock()
	if c.overflowDir != "" {
		_ = os.Remove(filepath.Join(c.overflowDir, addr.String()))
	}
	return c.backend.Remove(ctx, addr, sig)
}
