// Package chunkstore provides the flat byte arena backing the local file
// cache.
//
// The arena is a fixed-capacity memory-mapped region addressed by chunk
// index. It carries no semantics of its own: which chunks are live, and
// which pages within a chunk are valid, is tracked by the cache index on
// top of it. All references into the arena are integer chunk indices,
// never raw addresses, so bounds are checked at the index level.
package chunkstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/marmos91/pagetier/pkg/page"
)

var (
	// ErrOutOfRange is returned for chunk indices or page slots outside
	// the arena.
	ErrOutOfRange = errors.New("chunkstore: index out of range")

	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("chunkstore: closed")
)

// cacheFileName is the backing file created inside the configured directory.
const cacheFileName = "pages.cache"

// Store is a fixed arena of page.ChunkSize chunks.
//
// The caller is responsible for serializing access to any one chunk; the
// store itself performs no locking. This matches its role below the cache's
// pin protocol: only the operation that pinned a chunk touches its bytes.
type Store struct {
	data      []byte
	file      *os.File // nil for anonymous mappings
	maxChunks uint32
	closed    bool
}

// New creates a file-backed arena of maxChunks chunks at dir.
//
// The backing file is truncated on open: the cache is always rebuilt from
// the remote tier, so stale contents are never reused.
func New(dir string, maxChunks uint32) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	path := filepath.Join(dir, cacheFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create cache file: %w", err)
	}

	size := int64(maxChunks) * page.ChunkSize
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate cache file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap cache file: %w", err)
	}

	return &Store{data: data, file: f, maxChunks: maxChunks}, nil
}

// NewAnonymous creates a memory-backed arena of maxChunks chunks.
//
// Used when no cache directory is configured (cache held in RAM) and by
// tests.
func NewAnonymous(maxChunks uint32) (*Store, error) {
	size := int(maxChunks) * page.ChunkSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap anonymous arena: %w", err)
	}
	return &Store{data: data, maxChunks: maxChunks}, nil
}

// MaxChunks returns the arena capacity in chunks.
func (s *Store) MaxChunks() uint32 {
	return s.maxChunks
}

// slot returns the byte range of one page slot, bounds-checked.
func (s *Store) slot(chunk uint32, slot int) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if chunk >= s.maxChunks || slot < 0 || slot >= page.PagesPerChunk {
		return nil, fmt.Errorf("%w: chunk %d slot %d (max %d chunks)", ErrOutOfRange, chunk, slot, s.maxChunks)
	}
	off := int64(chunk)*page.ChunkSize + int64(slot)*page.Size
	return s.data[off : off+page.Size], nil
}

// ReadPage copies the page at (chunk, slot) into dst.
// dst must be at least page.Size bytes.
func (s *Store) ReadPage(chunk uint32, slot int, dst []byte) error {
	src, err := s.slot(chunk, slot)
	if err != nil {
		return err
	}
	if len(dst) < page.Size {
		return fmt.Errorf("chunkstore: destination buffer too small: %d < %d", len(dst), page.Size)
	}
	copy(dst[:page.Size], src)
	return nil
}

// WritePage copies src into the page at (chunk, slot).
// src must be at least page.Size bytes.
func (s *Store) WritePage(chunk uint32, slot int, src []byte) error {
	dst, err := s.slot(chunk, slot)
	if err != nil {
		return err
	}
	if len(src) < page.Size {
		return fmt.Errorf("chunkstore: source buffer too small: %d < %d", len(src), page.Size)
	}
	copy(dst, src[:page.Size])
	return nil
}

// Release returns the backing storage of one chunk to the operating system.
//
// Called when a chunk is reclaimed during a cache shrink so the freed
// space is visible to the filesystem, not just to the cache. Failure is
// not fatal: the chunk's bytes are simply retained until reuse.
func (s *Store) Release(chunk uint32) error {
	if s.closed {
		return ErrClosed
	}
	if chunk >= s.maxChunks {
		return fmt.Errorf("%w: chunk %d", ErrOutOfRange, chunk)
	}
	off := int64(chunk) * page.ChunkSize
	region := s.data[off : off+page.ChunkSize]
	if err := unix.Madvise(region, unix.MADV_REMOVE); err != nil {
		// MADV_REMOVE needs hole-punch support; fall back to dropping
		// the pages without punching.
		if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("madvise chunk %d: %w", chunk, err)
		}
	}
	return nil
}

// Close unmaps the arena and closes the backing file, if any.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := unix.Munmap(s.data)
	s.data = nil
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	if err != nil {
		return fmt.Errorf("close chunk store: %w", err)
	}
	return nil
}
