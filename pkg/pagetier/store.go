// Package pagetier ties the local page cache and the remote shard
// client together into one read-through page store.
//
// Reads check the cache first and fall back to the owning shard,
// installing the fetched page on the way out. Cache trouble never
// fails a read: a cache that has disabled itself after an arena fault
// simply turns every read into a remote fetch.
package pagetier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/marmos91/pagetier/internal/logger"
	"github.com/marmos91/pagetier/pkg/filecache"
	"github.com/marmos91/pagetier/pkg/page"
	"github.com/marmos91/pagetier/pkg/pageserver"
)

// Remote is the shard-facing side of the store, satisfied by
// *pageserver.Manager.
type Remote interface {
	GetPage(ctx context.Context, key page.Key, dst []byte) error
	Exists(ctx context.Context, container uint32, fork page.ForkID) (bool, error)
	Nblocks(ctx context.Context, container uint32, fork page.ForkID) (uint32, error)
	Close() error
}

var _ Remote = (*pageserver.Manager)(nil)

// Store is a read-through page store over a local cache and a sharded
// remote tier.
type Store struct {
	cache  *filecache.Cache
	remote Remote
	log    *slog.Logger
}

// NewStore composes a cache and a remote client.
func NewStore(cache *filecache.Cache, remote Remote) *Store {
	return &Store{
		cache:  cache,
		remote: remote,
		log:    logger.With("component", "store"),
	}
}

// ReadPage reads one page into dst, from the cache when present and
// from the owning shard otherwise. Remotely fetched pages are installed
// into the cache before returning.
func (s *Store) ReadPage(ctx context.Context, key page.Key, dst []byte) error {
	if len(dst) < page.Size {
		return fmt.Errorf("pagetier: destination buffer %d bytes, need %d", len(dst), page.Size)
	}

	hit, err := s.cache.Read(ctx, key, dst)
	if err != nil {
		// The cache has already disabled itself; fall through to the
		// remote tier.
		s.log.Warn("cache read failed, fetching remotely", "page", key, "error", err)
	}
	if hit {
		return nil
	}

	if err := s.remote.GetPage(ctx, key, dst); err != nil {
		return fmt.Errorf("fetching page %s: %w", key, err)
	}

	if err := s.cache.Write(ctx, key, dst[:page.Size]); err != nil {
		s.log.Warn("cache install failed", "page", key, "error", err)
	}
	return nil
}

// WritePage installs a locally materialized page into the cache, so a
// later ReadPage is served without a remote round trip. The remote tier
// is the source of truth; a failed install is not an error for the
// caller's data, it only costs a refetch.
func (s *Store) WritePage(ctx context.Context, key page.Key, src []byte) error {
	if len(src) < page.Size {
		return fmt.Errorf("pagetier: source buffer %d bytes, need %d", len(src), page.Size)
	}
	return s.cache.Write(ctx, key, src[:page.Size])
}

// EvictPage drops one page from the cache, if present. The next read
// of the page goes remote.
func (s *Store) EvictPage(ctx context.Context, key page.Key) error {
	return s.cache.Evict(ctx, key)
}

// Exists reports whether a container fork exists on the remote tier.
func (s *Store) Exists(ctx context.Context, container uint32, fork page.ForkID) (bool, error) {
	return s.remote.Exists(ctx, container, fork)
}

// Nblocks returns the remote size of a container fork in blocks.
func (s *Store) Nblocks(ctx context.Context, container uint32, fork page.ForkID) (uint32, error) {
	return s.remote.Nblocks(ctx, container, fork)
}

// CacheStats returns a snapshot of cache occupancy.
func (s *Store) CacheStats() filecache.Stats {
	return s.cache.Stats()
}

// DumpCache enumerates every valid cached page, for diagnostics.
func (s *Store) DumpCache() []filecache.PageInfo {
	return s.cache.Pages()
}

// Close shuts down the remote client and the cache, in that order, so
// no fetch can race a closing arena.
func (s *Store) Close() error {
	remoteErr := s.remote.Close()
	cacheErr := s.cache.Close()
	if remoteErr != nil {
		return remoteErr
	}
	return cacheErr
}
