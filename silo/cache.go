package silo

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/memofed/memo/address"
)

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// Cache wraps an inner Silo with an in-memory LRU of bounded size and
// per-entry TTL, serving Fetch hits without touching the inner Silo.
// Metrics are registered on an injected *prometheus.Registry rather than
// the package-global default registry.
type Cache struct {
	inner Silo
	ttl   time.Duration
	lru   *lru.Cache[address.Address, cacheEntry]

	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

// NewCache wraps inner with an LRU of up to size entries, each valid for
// ttl (zero means no expiry). Metrics register under namePrefix on reg.
func NewCache(inner Silo, size int, ttl time.Duration, reg *prometheus.Registry, namePrefix string) (*Cache, error) {
	c := &Cache{inner: inner, ttl: ttl}
	underlying, err := lru.NewWithEvict[address.Address, cacheEntry](size, func(address.Address, cacheEntry) {
		if c.evictions != nil {
			c.evictions.Inc()
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = underlying

	c.hits = prometheus.NewCounter(prometheus.CounterOpts{Name: namePrefix + "_cache_hits_total", Help: "Silo cache hits"})
	c.misses = prometheus.NewCounter(prometheus.CounterOpts{Name: namePrefix + "_cache_misses_total", Help: "Silo cache misses"})
	c.evictions = prometheus.NewCounter(prometheus.CounterOpts{Name: namePrefix + "_cache_evictions_total", Help: "Silo cache evictions"})
	if reg != nil {
		reg.MustRegister(c.hits, c.misses, c.evictions)
	}
	return c, nil
}

func (c *Cache) expired(e cacheEntry) bool {
	return c.ttl > 0 && time.Now().After(e.expires)
}

func (c *Cache) Fetch(ctx context.Context, addr address.Address) ([]byte, error) {
	if e, ok := c.lru.Get(addr); ok && !c.expired(e) {
		c.hits.Inc()
		return append([]byte(nil), e.data...), nil
	}
	c.misses.Inc()
	data, err := c.inner.Fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	c.store(addr, data)
	return data, nil
}

func (c *Cache) store(addr address.Address, data []byte) {
	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.lru.Add(addr, cacheEntry{data: append([]byte(nil), data...), expires: expires})
}

func (c *Cache) Insert(ctx context.Context, addr address.Address, data []byte) error {
	if err := c.inner.Insert(ctx, addr, data); err != nil {
		return err
	}
	c.store(addr, data)
	return nil
}

func (c *Cache) Update(ctx context.Context, addr address.Address, data []byte) error {
	if err := c.inner.Update(ctx, addr, data); err != nil {
		return err
	}
	c.store(addr, data)
	return nil
}

// Set writes through to the inner Silo, caching the result only once the
// inner write has committed.
func (c *Cache) Set(ctx context.Context, addr address.Address, data []byte, insert, update bool) (int64, error) {
	delta, err := c.inner.Set(ctx, addr, data, insert, update)
	if err != nil {
		return 0, err
	}
	c.store(addr, data)
	return delta, nil
}

func (c *Cache) Remove(ctx context.Context, addr address.Address) error {
	if err := c.inner.Remove(ctx, addr); err != nil {
		return err
	}
	c.lru.Remove(addr)
	return nil
}

func (c *Cache) List(ctx context.Context) ([]address.Address, error) {
	return c.inner.List(ctx)
}

// Status answers from the LRU without touching the inner Silo when the
// entry is cached and unexpired, falling back to the inner Silo otherwise.
func (c *Cache) Status(ctx context.Context, addr address.Address) (Status, error) {
	if e, ok := c.lru.Get(addr); ok && !c.expired(e) {
		return StatusExists, nil
	}
	return c.inner.Status(ctx, addr)
}

// RegisterNotifier forwards fn to the inner Silo; Cache holds no capacity
// budget of its own.
func (c *Cache) RegisterNotifier(fn Notifier) {
	c.inner.RegisterNotifier(fn)
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if s, ok := c.inner.(Statter); ok {
		return s.Stats(ctx)
	}
	return Stats{}, nil
}
