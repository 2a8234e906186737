package filecache

import (
	"context"

	"github.com/marmos91/pagetier/pkg/page"
)

// Contains reports whether the page is resident and valid. No side effects:
// unlike Read it does not touch the entry's ring position.
func (c *Cache) Contains(key page.Key) bool {
	slot := key.ChunkSlot()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.limit == 0 {
		return false
	}
	e, ok := c.entries[key.ChunkKey()]
	return ok && e.bitmap[slot>>6]&(1<<(slot&63)) != 0
}

// Read copies the page into dst on a cache hit and reports whether it hit.
//
// The chunk is pinned for the duration of the copy so it cannot be evicted
// mid-copy; the copy itself runs outside the exclusive section. On an arena
// fault the cache disables itself and the read is reported as a miss.
//
// dst must be at least page.Size bytes.
func (c *Cache) Read(ctx context.Context, key page.Key, dst []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	slot := key.ChunkSlot()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if c.limit == 0 {
		c.mu.Unlock()
		return false, nil
	}
	e, ok := c.entries[key.ChunkKey()]
	if !ok || e.bitmap[slot>>6]&(1<<(slot&63)) == 0 {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.ObserveRead(false)
		}
		return false, nil
	}
	c.pinLocked(e)
	c.mu.Unlock()

	err := c.store.ReadPage(e.chunk, slot, dst)

	c.mu.Lock()
	c.unpinLocked(e)
	if err != nil {
		c.disableLocked(err)
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ObserveRead(true)
	}
	return true, nil
}
