package filecache

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marmos91/pagetier/internal/logger"
	"github.com/marmos91/pagetier/pkg/chunkstore"
	"github.com/marmos91/pagetier/pkg/page"
)

// Cache is the local page cache. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[page.Key]*entry

	// ring orders unpinned entries by recency of unpinning: front is the
	// next eviction victim, back the most recently released. Entries move
	// to the front early when their last valid page is evicted, because
	// emptied chunks are the cheapest to reclaim.
	ring *list.List

	store *chunkstore.Store // nil iff the cache was built disabled

	limit     uint32   // soft limit in chunks; 0 = disabled
	maxChunks uint32   // arena capacity in chunks (excluding slack)
	used      uint32   // resident chunks
	nextChunk uint32   // high-water mark of arena allocation
	free      []uint32 // arena slots returned by shrinking

	closed   bool
	disabled bool // set after an arena fault; never cleared
	metrics  Metrics
	log      *slog.Logger
}

// New creates a cache with the given geometry.
//
// A zero MaxSize yields a permanently disabled cache: every operation is a
// cheap no-op and every lookup a miss. The arena is sized one chunk beyond
// MaxSize so that allocation under a fully pinned ring can overshoot the
// capacity instead of blocking.
func New(cfg Config, m Metrics) (*Cache, error) {
	c := &Cache{
		entries: make(map[page.Key]*entry),
		ring:    list.New(),
		metrics: m,
		log:     logger.With("component", "filecache"),
	}

	maxChunks := uint32(cfg.MaxSize.Uint64() / page.ChunkSize)
	if maxChunks == 0 {
		c.log.Info("local file cache disabled", "max_size", cfg.MaxSize.String())
		return c, nil
	}

	limit := uint32(cfg.SizeLimit.Uint64() / page.ChunkSize)
	if limit > maxChunks {
		limit = maxChunks
	}

	var (
		store *chunkstore.Store
		err   error
	)
	// One chunk of slack beyond the nominal capacity, see above.
	if cfg.Dir != "" {
		store, err = chunkstore.New(cfg.Dir, maxChunks+1)
	} else {
		store, err = chunkstore.NewAnonymous(maxChunks + 1)
	}
	if err != nil {
		return nil, fmt.Errorf("create chunk arena: %w", err)
	}

	c.store = store
	c.maxChunks = maxChunks
	c.limit = limit
	c.log.Info("local file cache initialized",
		"max_chunks", maxChunks,
		"limit_chunks", limit,
		"chunk_size", page.ChunkSize,
		"backing", backingName(cfg.Dir))
	c.reportUsage()
	return c, nil
}

func backingName(dir string) string {
	if dir == "" {
		return "memory"
	}
	return dir
}

// Limit returns the current soft limit in chunks. Zero means disabled.
func (c *Cache) Limit() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}

// Used returns the number of resident chunks.
func (c *Cache) Used() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// MaxChunks returns the arena capacity in chunks.
func (c *Cache) MaxChunks() uint32 {
	return c.maxChunks
}

// Close releases the arena. Pending pinned copies must have drained;
// the composition layer stops request handling before closing the cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.limit = 0
	c.entries = nil
	c.ring.Init()

	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// pinLocked marks the entry as in use, unlinking it from the ring on the
// 0→1 transition so it cannot be chosen as a victim.
func (c *Cache) pinLocked(e *entry) {
	if e.pins == 0 && e.elem != nil {
		c.ring.Remove(e.elem)
		e.elem = nil
	}
	e.pins++
}

// unpinLocked releases one pin, relinking the entry at the ring tail on
// the 1→0 transition (most recently used position).
func (c *Cache) unpinLocked(e *entry) {
	e.pins--
	if e.pins == 0 {
		e.elem = c.ring.PushBack(e)
	}
}

// allocChunkLocked finds an arena slot for a new chunk entry, evicting the
// ring head when the cache is at its limit. Returns false only when the
// arena (including slack) is exhausted and every resident chunk is pinned,
// in which case the caller skips the install rather than blocking.
func (c *Cache) allocChunkLocked() (uint32, bool) {
	atCapacity := c.used >= c.limit

	if atCapacity && c.ring.Len() > 0 {
		return c.evictVictimLocked(), true
	}

	// Below the limit, or everything is pinned: take a fresh slot.
	if n := len(c.free); n > 0 {
		chunk := c.free[n-1]
		c.free = c.free[:n-1]
		c.used++
		return chunk, true
	}
	if c.nextChunk < c.store.MaxChunks() {
		chunk := c.nextChunk
		c.nextChunk++
		c.used++
		return chunk, true
	}

	// Arena exhausted; fall back to eviction even below the limit.
	if c.ring.Len() > 0 {
		return c.evictVictimLocked(), true
	}
	return 0, false
}

// evictVictimLocked removes the ring head from the index and returns its
// arena slot for reuse. The head is unpinned by construction.
func (c *Cache) evictVictimLocked() uint32 {
	victim := c.ring.Remove(c.ring.Front()).(*entry)
	victim.elem = nil
	delete(c.entries, victim.key)
	if c.metrics != nil {
		c.metrics.ObserveEviction(1)
	}
	c.log.Debug("evicted chunk", "chunk_key", victim.key.String(), "slot", victim.chunk)
	return victim.chunk
}

// disableLocked turns the cache off for the remainder of the process after
// an unexpected arena fault. Resident state is left in place but
// unreachable; correctness is preserved by degrading to always-miss.
func (c *Cache) disableLocked(err error) {
	if c.disabled {
		return
	}
	c.disabled = true
	c.limit = 0
	c.log.Error("chunk arena fault, disabling local file cache", "error", err)
	c.reportUsage()
}

func (c *Cache) reportUsage() {
	if c.metrics != nil {
		c.metrics.SetUsage(c.used, c.limit)
	}
}
