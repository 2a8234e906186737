package filecache

import (
	"context"

	"github.com/marmos91/pagetier/pkg/page"
)

// Write installs the page into the cache, allocating a chunk entry (and
// evicting a victim if at capacity) when the page's chunk is not resident.
//
// The page copy runs outside the exclusive section under a pin, and the
// validity bit is set only after the copy succeeded, so a concurrent Read
// can never observe a half-written page as valid. Failures are absorbed:
// the cache is a rebuildable accelerator, so a failed install degrades to
// a future miss rather than an error for the caller.
//
// src must be at least page.Size bytes.
func (c *Cache) Write(ctx context.Context, key page.Key, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	slot := key.ChunkSlot()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.limit == 0 {
		c.mu.Unlock()
		return nil
	}
	e, ok := c.entries[key.ChunkKey()]
	if ok {
		c.pinLocked(e)
	} else {
		chunk, ok := c.allocChunkLocked()
		if !ok {
			// Every chunk is pinned and the slack is spent. The
			// capacity is advisory, but the arena is not; skip the
			// install instead of blocking a request path.
			c.mu.Unlock()
			c.log.Warn("all chunks pinned, skipping cache install", "page", key.String())
			return nil
		}
		// Created pinned; it reaches the ring on the first unpin.
		e = &entry{key: key.ChunkKey(), chunk: chunk, pins: 1}
		c.entries[e.key] = e
		c.reportUsage()
	}
	c.mu.Unlock()

	err := c.store.WritePage(e.chunk, slot, src)

	c.mu.Lock()
	c.unpinLocked(e)
	if err != nil {
		c.disableLocked(err)
		c.mu.Unlock()
		return nil
	}
	// The limit may have been zeroed by a concurrent fault while we were
	// copying; don't mark pages valid on a disabled cache.
	if c.limit != 0 {
		e.bitmap[slot>>6] |= 1 << (slot & 63)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveWrite()
	}
	return nil
}
