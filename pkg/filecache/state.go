package filecache

import (
	"sort"

	"github.com/marmos91/pagetier/pkg/page"
)

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	UsedChunks  uint32 `yaml:"used_chunks"`
	LimitChunks uint32 `yaml:"limit_chunks"`
	MaxChunks   uint32 `yaml:"max_chunks"`
	ValidPages  int    `yaml:"valid_pages"`
	Disabled    bool   `yaml:"disabled"`
}

// Stats returns current occupancy counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		UsedChunks:  c.used,
		LimitChunks: c.limit,
		MaxChunks:   c.maxChunks,
		Disabled:    c.disabled,
	}
	for _, e := range c.entries {
		s.ValidPages += e.validPages()
	}
	return s
}

// Pages enumerates every valid resident page for observability tooling:
// its key, its page offset within the arena and its chunk's pin count.
//
// The snapshot is self-consistent (taken under the exclusive section) and
// sorted by key for stable output.
func (c *Cache) Pages() []PageInfo {
	c.mu.Lock()

	infos := make([]PageInfo, 0, len(c.entries))
	for _, e := range c.entries {
		for slot := 0; slot < page.PagesPerChunk; slot++ {
			if e.bitmap[slot>>6]&(1<<(slot&63)) == 0 {
				continue
			}
			key := e.key
			key.Block += uint32(slot)
			infos = append(infos, PageInfo{
				Key:    key,
				Offset: e.chunk*page.PagesPerChunk + uint32(slot),
				Pins:   e.pins,
			})
		}
	}
	c.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		a, b := infos[i].Key, infos[j].Key
		if a.Container != b.Container {
			return a.Container < b.Container
		}
		if a.Fork != b.Fork {
			return a.Fork < b.Fork
		}
		return a.Block < b.Block
	})
	return infos
}
