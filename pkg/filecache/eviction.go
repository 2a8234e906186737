package filecache

import (
	"context"

	"github.com/marmos91/pagetier/pkg/page"
)

// Evict invalidates a single page if present.
//
// If clearing the bit leaves the chunk with no valid pages, the chunk is
// moved to the eviction-ring head so it is recycled before any chunk that
// still holds data. Emptied chunks carry nothing worth keeping, so they
// are the cheapest victims regardless of recency. Apart from that, chunks
// are not moved in the ring here: eviction isn't usage.
func (c *Cache) Evict(ctx context.Context, key page.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	slot := key.ChunkSlot()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.limit == 0 {
		return nil
	}
	e, ok := c.entries[key.ChunkKey()]
	if !ok {
		return nil
	}

	e.bitmap[slot>>6] &^= 1 << (slot & 63)

	if e.bitmap[slot>>6] == 0 && e.empty() && e.elem != nil {
		c.ring.MoveToFront(e.elem)
	}
	return nil
}

// Resize lowers (or raises) the soft limit in chunks and shrinks the
// resident set by evicting ring-head chunks until usage fits.
//
// Shrinking is best effort: pinned chunks are never forcibly evicted, so
// usage can stay above the new limit until in-flight copies drain. Freed
// arena slots are released back to the operating system and reused by
// later allocations. Once the cache has disabled itself after a fault,
// Resize is a no-op.
func (c *Cache) Resize(newLimit uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.disabled || c.store == nil {
		return
	}
	if newLimit > c.maxChunks {
		newLimit = c.maxChunks
	}
	c.limit = newLimit

	evicted := 0
	for c.used > newLimit && c.ring.Len() > 0 {
		chunk := c.evictVictimLocked()
		if err := c.store.Release(chunk); err != nil {
			// Not fatal: the chunk's bytes are retained until reuse.
			c.log.Warn("failed to release chunk storage", "slot", chunk, "error", err)
		}
		c.free = append(c.free, chunk)
		c.used--
		evicted++
	}

	if evicted > 0 || c.used > newLimit {
		c.log.Info("resized local file cache",
			"limit_chunks", newLimit,
			"used_chunks", c.used,
			"evicted_chunks", evicted)
	} else {
		c.log.Debug("resized local file cache", "limit_chunks", newLimit)
	}
	c.reportUsage()
}
