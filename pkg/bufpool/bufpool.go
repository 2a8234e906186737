// Package bufpool provides a tiered buffer pool for response payloads.
//
// The pool hands out reusable byte slices for message I/O, cutting GC
// pressure on the page-fetch path where every response carries a page
// payload. Three size tiers balance memory efficiency with reuse; sizes
// above the large tier are allocated directly and never pooled so that
// occasional oversized messages don't keep large buffers alive.
//
// All operations are safe for concurrent use via sync.Pool.
package bufpool

import "sync"

// Default buffer size classes.
const (
	// DefaultSmallSize covers framing headers and control responses (256B)
	DefaultSmallSize = 256

	// DefaultMediumSize covers a single page payload with headers (16KB)
	DefaultMediumSize = 16 << 10

	// DefaultLargeSize covers multi-page responses (1MB)
	DefaultLargeSize = 1 << 20
)

// Pool manages byte slice pools organized by size class.
type Pool struct {
	small      sync.Pool
	medium     sync.Pool
	large      sync.Pool
	smallSize  int
	mediumSize int
	largeSize  int
}

// NewPool creates a buffer pool with the given size classes.
// Zero or negative sizes fall back to the defaults.
func NewPool(smallSize, mediumSize, largeSize int) *Pool {
	if smallSize <= 0 {
		smallSize = DefaultSmallSize
	}
	if mediumSize <= 0 {
		mediumSize = DefaultMediumSize
	}
	if largeSize <= 0 {
		largeSize = DefaultLargeSize
	}

	p := &Pool{
		smallSize:  smallSize,
		mediumSize: mediumSize,
		largeSize:  largeSize,
	}
	p.small.New = func() any {
		buf := make([]byte, p.smallSize)
		return &buf
	}
	p.medium.New = func() any {
		buf := make([]byte, p.mediumSize)
		return &buf
	}
	p.large.New = func() any {
		buf := make([]byte, p.largeSize)
		return &buf
	}
	return p
}

// Get returns a byte slice of exactly the requested length, backed by a
// pooled buffer of the next size class up. The caller must Put it back
// when done. Sizes above the large class are allocated directly.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte
	switch {
	case size <= p.smallSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= p.mediumSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= p.largeSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get to its pool. Buffers that don't
// match a size class (oversized allocations) are left to the GC.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	full := buf[:cap(buf)]
	switch cap(buf) {
	case p.smallSize:
		p.small.Put(&full)
	case p.mediumSize:
		p.medium.Put(&full)
	case p.largeSize:
		p.large.Put(&full)
	}
}

// globalPool backs the package-level convenience functions.
var globalPool = NewPool(0, 0, 0)

// Get returns a byte slice of the requested length from the global pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the global pool. Pair with Get, usually deferred.
func Put(buf []byte) {
	globalPool.Put(buf)
}
