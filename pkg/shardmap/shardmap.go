// Package shardmap maintains the shard-number-to-endpoint table for the
// remote storage tier, and routes page keys to shards.
//
// The table is mutated by exactly one writer (the configuration reloader)
// and read by many request-handling contexts. Readers must never block,
// and the design must hold even when writer and readers cannot share an
// ordinary lock (separate processes over a shared segment), so the table
// is protected by a counter-based snapshot protocol instead of a mutex:
// the writer bumps a begin counter, rewrites the payload in place, then
// bumps a matching end counter; a reader copies the payload and retries
// until it observes both counters equal and unchanged across the copy.
// A torn copy is therefore detected and discarded, never returned.
package shardmap

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Table geometry. Endpoints are stored in fixed byte arrays, not strings,
// because the snapshot protocol copies the payload while the writer may be
// rewriting it: a fixed array copy is harmless when torn, a string header
// copy is not.
const (
	// MaxShards bounds the shard count of the remote tier.
	MaxShards = 128

	// MaxEndpointLen bounds one endpoint address in bytes.
	MaxEndpointLen = 256
)

var (
	// ErrNoShards is returned when the map holds no endpoints.
	ErrNoShards = errors.New("shardmap: no shards configured")
)

// Topology is a self-consistent snapshot of the shard table.
type Topology struct {
	// Endpoints is ordered by shard number.
	Endpoints []string

	// Generation is the map generation the snapshot was taken at.
	// It increases monotonically with every committed update.
	Generation uint64
}

// NumShards returns the shard count of the snapshot.
func (t Topology) NumShards() uint32 {
	return uint32(len(t.Endpoints))
}

// Map is the shared shard table. The zero value is an empty map.
//
// Update must only ever be called from one goroutine at a time; Snapshot
// and Generation may be called concurrently from any number of readers.
type Map struct {
	begin atomic.Uint64
	end   atomic.Uint64

	// payload guarded by the counters above, not by a lock.
	numShards uint32
	lengths   [MaxShards]uint16
	endpoints [MaxShards][MaxEndpointLen]byte
}

// Parse validates a comma-separated endpoint list and returns the
// endpoints in shard order. A trailing comma is ignored. Parse failures
// leave any previously applied topology untouched: callers validate
// before committing with Update.
func Parse(s string) ([]string, error) {
	var endpoints []string
	parts := strings.Split(s, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			if i == len(parts)-1 {
				break // trailing comma
			}
			return nil, fmt.Errorf("shardmap: empty endpoint at shard %d", i)
		}
		if len(p) >= MaxEndpointLen {
			return nil, fmt.Errorf("shardmap: endpoint for shard %d too long (%d bytes)", i, len(p))
		}
		if len(endpoints) >= MaxShards {
			return nil, fmt.Errorf("shardmap: too many shards (max %d)", MaxShards)
		}
		endpoints = append(endpoints, p)
	}
	return endpoints, nil
}

// Update commits a new topology. Single writer only.
//
// If the endpoint list is unchanged the generation is not bumped, so
// readers do not tear down connections for a no-op reload.
func (m *Map) Update(endpoints []string) error {
	if len(endpoints) > MaxShards {
		return fmt.Errorf("shardmap: too many shards (max %d)", MaxShards)
	}
	for i, ep := range endpoints {
		if len(ep) >= MaxEndpointLen {
			return fmt.Errorf("shardmap: endpoint for shard %d too long (%d bytes)", i, len(ep))
		}
	}

	if m.equal(endpoints) {
		return nil
	}

	// The atomic adds double as full barriers around the payload write.
	m.begin.Add(1)
	m.numShards = uint32(len(endpoints))
	for i := range m.lengths {
		if i < len(endpoints) {
			m.lengths[i] = uint16(len(endpoints[i]))
			copy(m.endpoints[i][:], endpoints[i])
		} else {
			m.lengths[i] = 0
		}
	}
	m.end.Add(1)
	return nil
}

// equal reports whether the committed payload matches endpoints.
// Writer-side only; reads the payload without the snapshot dance.
func (m *Map) equal(endpoints []string) bool {
	if m.numShards != uint32(len(endpoints)) {
		return false
	}
	for i, ep := range endpoints {
		if string(m.endpoints[i][:m.lengths[i]]) != ep {
			return false
		}
	}
	return true
}

// Generation returns the current map generation without copying the
// payload. Connections established under an older generation are stale.
func (m *Map) Generation() uint64 {
	return m.end.Load()
}

// Snapshot returns a self-consistent copy of the shard table.
//
// The copy loop retries while the counters indicate a concurrent update,
// so the returned topology always corresponds to some committed state;
// a mix of old and new endpoints can never be observed.
func (m *Map) Snapshot() Topology {
	var (
		numShards uint32
		lengths   [MaxShards]uint16
		endpoints [MaxShards][MaxEndpointLen]byte
		gen       uint64
	)

	for {
		begin := m.begin.Load()
		end := m.end.Load()

		numShards = m.numShards
		if numShards > MaxShards {
			numShards = MaxShards // torn read; counters will force a retry
		}
		lengths = m.lengths
		for i := uint32(0); i < numShards; i++ {
			endpoints[i] = m.endpoints[i]
		}

		if begin == end && m.begin.Load() == begin && m.end.Load() == end {
			gen = end
			break
		}
	}

	t := Topology{Generation: gen}
	if numShards == 0 {
		return t
	}
	t.Endpoints = make([]string, numShards)
	for i := uint32(0); i < numShards; i++ {
		n := int(lengths[i])
		if n > MaxEndpointLen {
			n = MaxEndpointLen
		}
		t.Endpoints[i] = string(endpoints[i][:n])
	}
	return t
}
