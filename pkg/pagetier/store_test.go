package pagetier

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pagetier/internal/bytesize"
	"github.com/marmos91/pagetier/pkg/filecache"
	"github.com/marmos91/pagetier/pkg/page"
)

// fakeRemote serves deterministic pages and counts round trips.
type fakeRemote struct {
	gets    int
	err     error
	nblocks uint32
	exists  bool
	closed  bool
}

func (r *fakeRemote) GetPage(_ context.Context, key page.Key, dst []byte) error {
	r.gets++
	if r.err != nil {
		return r.err
	}
	copy(dst[:page.Size], remotePayload(key))
	return nil
}

func (r *fakeRemote) Exists(context.Context, uint32, page.ForkID) (bool, error) {
	return r.exists, r.err
}

func (r *fakeRemote) Nblocks(context.Context, uint32, page.ForkID) (uint32, error) {
	return r.nblocks, r.err
}

func (r *fakeRemote) Close() error {
	r.closed = true
	return nil
}

func remotePayload(key page.Key) []byte {
	return bytes.Repeat([]byte{byte(key.Block ^ key.Container)}, page.Size)
}

func newTestStore(t *testing.T, chunks uint32, remote Remote) *Store {
	t.Helper()
	cache, err := filecache.New(filecache.Config{
		MaxSize:   bytesize.ByteSize(uint64(chunks) * page.ChunkSize),
		SizeLimit: bytesize.ByteSize(uint64(chunks) * page.ChunkSize),
	}, nil)
	require.NoError(t, err)

	s := NewStore(cache, remote)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReadThroughInstallsPage(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestStore(t, 2, remote)
	ctx := context.Background()

	key := page.Key{Container: 3, Fork: page.MainFork, Block: 7}
	dst := make([]byte, page.Size)

	require.NoError(t, s.ReadPage(ctx, key, dst))
	assert.Equal(t, remotePayload(key), dst)
	assert.Equal(t, 1, remote.gets)

	// The miss installed the page; the second read is local.
	clear(dst)
	require.NoError(t, s.ReadPage(ctx, key, dst))
	assert.Equal(t, remotePayload(key), dst)
	assert.Equal(t, 1, remote.gets)
}

func TestCacheHitSkipsRemote(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestStore(t, 2, remote)
	ctx := context.Background()

	key := page.Key{Container: 1, Block: 1}
	require.NoError(t, s.WritePage(ctx, key, remotePayload(key)))

	dst := make([]byte, page.Size)
	require.NoError(t, s.ReadPage(ctx, key, dst))
	assert.Equal(t, remotePayload(key), dst)
	assert.Zero(t, remote.gets)
}

func TestRemoteFailureSurfacesOnMiss(t *testing.T) {
	remote := &fakeRemote{err: errors.New("shard unreachable")}
	s := newTestStore(t, 2, remote)

	dst := make([]byte, page.Size)
	err := s.ReadPage(context.Background(), page.Key{Container: 1, Block: 2}, dst)
	require.Error(t, err)
	assert.ErrorContains(t, err, "shard unreachable")
}

func TestEvictForcesRefetch(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestStore(t, 2, remote)
	ctx := context.Background()

	key := page.Key{Container: 5, Block: 9}
	dst := make([]byte, page.Size)

	require.NoError(t, s.ReadPage(ctx, key, dst))
	require.NoError(t, s.EvictPage(ctx, key))
	require.NoError(t, s.ReadPage(ctx, key, dst))
	assert.Equal(t, 2, remote.gets)
}

func TestShortBuffersRejected(t *testing.T) {
	s := newTestStore(t, 2, &fakeRemote{})
	ctx := context.Background()

	short := make([]byte, page.Size-1)
	assert.Error(t, s.ReadPage(ctx, page.Key{}, short))
	assert.Error(t, s.WritePage(ctx, page.Key{}, short))
}

func TestMetadataDelegatesToRemote(t *testing.T) {
	remote := &fakeRemote{exists: true, nblocks: 1234}
	s := newTestStore(t, 2, remote)
	ctx := context.Background()

	ok, err := s.Exists(ctx, 1, page.FSMFork)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Nblocks(ctx, 1, page.MainFork)
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), n)
}

func TestCacheStatsReflectInstalls(t *testing.T) {
	remote := &fakeRemote{}
	s := newTestStore(t, 2, remote)
	ctx := context.Background()

	dst := make([]byte, page.Size)
	require.NoError(t, s.ReadPage(ctx, page.Key{Container: 1, Block: 0}, dst))
	require.NoError(t, s.ReadPage(ctx, page.Key{Container: 1, Block: 1}, dst))

	stats := s.CacheStats()
	assert.Equal(t, 2, stats.ValidPages)
	assert.Equal(t, uint32(1), stats.UsedChunks)

	pages := s.DumpCache()
	assert.Len(t, pages, 2)
}

func TestCloseShutsDownRemoteFirst(t *testing.T) {
	remote := &fakeRemote{}
	cache, err := filecache.New(filecache.Config{
		MaxSize:   bytesize.ByteSize(page.ChunkSize),
		SizeLimit: bytesize.ByteSize(page.ChunkSize),
	}, nil)
	require.NoError(t, err)

	s := NewStore(cache, remote)
	require.NoError(t, s.Close())
	assert.True(t, remote.closed)
}
