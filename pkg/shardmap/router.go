package shardmap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/marmos91/pagetier/pkg/page"
)

// DefaultStripeSize is the sharding stripe size in blocks: pages within
// one stripe live on the same shard, consecutive stripes are spread
// across shards. 32768 blocks of 8KB give 256MB stripes.
const DefaultStripeSize = 32768

// Router computes the owning shard for a page key.
//
// The shard is derived from a stable hash of the container identifier
// combined with a hash of the block's stripe, not from the raw key:
// hashing the stripe spreads a sequential scan across shards while
// keeping each stripe's pages co-located, and hashing the container
// decorrelates containers that happen to have adjacent identifiers.
type Router struct {
	stripeSize uint32
}

// NewRouter creates a router with the given stripe size in blocks.
// A zero stripeSize falls back to DefaultStripeSize.
func NewRouter(stripeSize uint32) *Router {
	if stripeSize == 0 {
		stripeSize = DefaultStripeSize
	}
	return &Router{stripeSize: stripeSize}
}

// StripeSize returns the configured stripe size in blocks.
func (r *Router) StripeSize() uint32 {
	return r.stripeSize
}

// ShardFor returns the shard number owning the page under the given
// shard count. Deterministic for a fixed shard count.
func (r *Router) ShardFor(key page.Key, numShards uint32) (uint32, error) {
	if numShards == 0 {
		return 0, ErrNoShards
	}
	h := hashCombine(hash32(key.Container), hash32(key.Block/r.stripeSize))
	return uint32(h % uint64(numShards)), nil
}

// hash32 returns a stable 64-bit hash of a 32-bit value.
func hash32(v uint32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return xxhash.Sum64(buf[:])
}

// hashCombine mixes two hashes order-dependently.
func hashCombine(a, b uint64) uint64 {
	a ^= b + 0x49a0f4dd15e5a8e3 + (a << 54) + (a >> 7)
	return a
}
