// Package page defines the identifiers and geometry of fixed-size pages.
//
// A page is the unit the host database reads and writes. Pages are grouped
// into chunks for caching: a chunk is a contiguous run of pages and is the
// unit of cache allocation and eviction. Chunk grouping keeps the cache
// index small (one entry per chunk instead of one per page) and preserves
// sequential-scan locality.
package page

import "fmt"

// Page and chunk geometry.
//
// PagesPerChunk must be a power of two so chunk keys can be derived by
// masking the low block bits. 128 pages of 8KB give 1MB chunks: an 8TB
// database then needs ~8M index entries instead of ~1G.
const (
	// Size is the fixed page size in bytes.
	Size = 8192

	// PagesPerChunk is the number of consecutive pages in one chunk.
	PagesPerChunk = 128

	// ChunkSize is the size of one chunk in bytes.
	ChunkSize = Size * PagesPerChunk
)

// ForkID distinguishes the independent page sequences of one container.
type ForkID uint8

// Well-known forks, mirroring the host storage layout.
const (
	MainFork ForkID = iota
	FSMFork
	VisibilityFork
)

// Key uniquely identifies one page. Immutable once created.
type Key struct {
	// Container identifies the relation/file the page belongs to.
	Container uint32

	// Fork selects one of the container's page sequences.
	Fork ForkID

	// Block is the page's position within the fork.
	Block uint32
}

// ChunkKey returns the key of the chunk holding this page: the same
// container and fork with the block rounded down to the chunk boundary.
func (k Key) ChunkKey() Key {
	k.Block &^= PagesPerChunk - 1
	return k
}

// ChunkSlot returns the page's slot within its chunk.
func (k Key) ChunkSlot() int {
	return int(k.Block & (PagesPerChunk - 1))
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d.%d", k.Container, k.Fork, k.Block)
}
