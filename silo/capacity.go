package silo

import "sync"

// capacity tracks usage against an optional byte budget and fires a
// Notifier once usage has moved by roughly NotifyThreshold of that
// budget, implementing the capacity and register_notifier halves of the
// Silo contract for any leaf backend that embeds it. A
// zero Budget means unlimited — capacity is never checked and the
// notifier never fires.
type capacity struct {
	mu     sync.Mutex
	Budget uint64

	usage        uint64
	blocks       int
	notifier     Notifier
	lastNotified uint64
}

func (c *capacity) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{BlockCount: c.blocks, UsageBytes: c.usage}
}

func (c *capacity) registerNotifier(fn Notifier) {
	c.mu.Lock()
	c.notifier = fn
	c.lastNotified = c.usage
	c.mu.Unlock()
}

// reserve applies a usage/block-count delta, refusing it with
// ErrNoCapacity when Budget is set and would be exceeded by a net
// increase, and firing the notifier if usage has moved by more than
// NotifyThreshold of Budget since the last time it fired.
func (c *capacity) reserve(byteDelta int64, blockDelta int) error {
	c.mu.Lock()

	newUsage := int64(c.usage) + byteDelta
	if newUsage < 0 {
		newUsage = 0
	}
	if c.Budget > 0 && byteDelta > 0 && uint64(newUsage) > c.Budget {
		c.mu.Unlock()
		return ErrNoCapacity
	}

	c.usage = uint64(newUsage)
	c.blocks += blockDelta
	if c.blocks < 0 {
		c.blocks = 0
	}

	var (
		fire     bool
		notifier Notifier
		snapshot Stats
	)
	if c.notifier != nil && c.Budget > 0 {
		threshold := uint64(float64(c.Budget) * NotifyThreshold)
		if threshold == 0 {
			threshold = 1
		}
		var moved uint64
		if c.usage > c.lastNotified {
			moved = c.usage - c.lastNotified
		} else {
			moved = c.lastNotified - c.usage
		}
		if moved >= threshold {
			c.lastNotified = c.usage
			fire = true
			notifier = c.notifier
			snapshot = Stats{BlockCount: c.blocks, UsageBytes: c.usage}
		}
	}
	c.mu.Unlock()

	if fire {
		notifier(snapshot)
	}
	return nil
}
