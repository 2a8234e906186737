// Package filecache implements the local page cache.
//
// Pages fetched from the remote storage tier are kept in a fixed arena of
// chunks (see pkg/chunkstore) and addressed through a hash index with one
// entry per resident chunk. Replacement is LRU over chunks, not pages:
// the chunk is the unit of allocation and eviction, trading page-level
// recency for a smaller index and better sequential locality.
//
// Concurrency discipline: a single exclusive section protects the index,
// the eviction ring and the validity bitmaps. The bulk page copy happens
// outside that section, bracketed only by a pin on the chunk, so the lock
// hold time is independent of page size. A pinned chunk is unlinked from
// the ring and can never be chosen as an eviction victim; only the
// operation that pinned it touches its bytes.
//
// The cache is always rebuilt from the remote tier at startup, so any
// unexpected arena fault simply disables the cache for the remainder of
// the process (every lookup becomes a miss) instead of attempting partial
// recovery.
package filecache

import (
	"container/list"
	"errors"

	"github.com/marmos91/pagetier/internal/bytesize"
	"github.com/marmos91/pagetier/pkg/page"
)

// bitmapWords is the number of uint64 words in a chunk's validity bitmap.
const bitmapWords = page.PagesPerChunk / 64

var (
	// ErrClosed is returned when operations are attempted on a closed cache.
	ErrClosed = errors.New("filecache: closed")
)

// Config holds the cache geometry.
type Config struct {
	// Dir is the directory for the arena's backing file.
	// Empty means the arena is held in anonymous memory.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// MaxSize is the arena capacity. The resident set can never grow
	// beyond it regardless of the soft limit. Zero disables the cache.
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size"`

	// SizeLimit is the initial soft limit. It can be lowered at runtime
	// by the capacity monitor or a config reload via Resize, and is
	// advisory: concurrent pinned I/O may transiently overshoot it.
	SizeLimit bytesize.ByteSize `mapstructure:"size_limit" yaml:"size_limit"`
}

// entry is the index record for one resident chunk.
type entry struct {
	// key is the chunk key: the page key of the chunk's first page.
	key page.Key

	// chunk is the slot in the arena holding this chunk's bytes.
	chunk uint32

	// pins counts in-flight copies touching this chunk. While pins > 0
	// the entry is unlinked from the ring and cannot be evicted.
	pins uint32

	// bitmap has one bit per page slot; set iff the slot holds the
	// latest known content for that page.
	bitmap [bitmapWords]uint64

	// elem is the entry's node in the eviction ring, nil while pinned.
	elem *list.Element
}

// empty reports whether no page in the chunk is valid.
func (e *entry) empty() bool {
	for _, w := range e.bitmap {
		if w != 0 {
			return false
		}
	}
	return true
}

// validPages returns the number of valid pages in the chunk.
func (e *entry) validPages() int {
	n := 0
	for _, w := range e.bitmap {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// PageInfo describes one valid resident page, for diagnostics.
type PageInfo struct {
	Key    page.Key // the page's own key
	Offset uint32   // page offset within the arena, in pages
	Pins   uint32   // pin count of the page's chunk
}

// Metrics receives cache observations. A nil Metrics is valid and
// means zero overhead.
type Metrics interface {
	// ObserveRead records a lookup and whether it hit.
	ObserveRead(hit bool)

	// ObserveWrite records a page installed into the cache.
	ObserveWrite()

	// ObserveEviction records chunks reclaimed (capacity or shrink).
	ObserveEviction(chunks int)

	// SetUsage reports the resident chunk count and the soft limit.
	SetUsage(used, limit uint32)
}
