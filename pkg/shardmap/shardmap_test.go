package shardmap

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "single endpoint",
			input: "localhost:6400",
			want:  []string{"localhost:6400"},
		},
		{
			name:  "multiple endpoints",
			input: "ps0:6400,ps1:6400,ps2:6400",
			want:  []string{"ps0:6400", "ps1:6400", "ps2:6400"},
		},
		{
			name:  "trailing comma ignored",
			input: "ps0:6400,ps1:6400,",
			want:  []string{"ps0:6400", "ps1:6400"},
		},
		{
			name:  "whitespace trimmed",
			input: " ps0:6400 , ps1:6400 ",
			want:  []string{"ps0:6400", "ps1:6400"},
		},
		{
			name:    "empty endpoint in the middle",
			input:   "ps0:6400,,ps2:6400",
			wantErr: true,
		},
		{
			name:    "endpoint too long",
			input:   strings.Repeat("x", MaxEndpointLen) + ":6400",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_TooManyShards(t *testing.T) {
	endpoints := make([]string, MaxShards+1)
	for i := range endpoints {
		endpoints[i] = fmt.Sprintf("ps%d:6400", i)
	}
	_, err := Parse(strings.Join(endpoints, ","))
	require.Error(t, err)
}

func TestMap_ZeroValue(t *testing.T) {
	var m Map

	topo := m.Snapshot()
	assert.Zero(t, topo.Generation)
	assert.Zero(t, topo.NumShards())
	assert.Zero(t, m.Generation())
}

func TestMap_UpdateAndSnapshot(t *testing.T) {
	var m Map

	require.NoError(t, m.Update([]string{"ps0:6400", "ps1:6400"}))
	topo := m.Snapshot()
	assert.Equal(t, []string{"ps0:6400", "ps1:6400"}, topo.Endpoints)
	assert.Equal(t, uint32(2), topo.NumShards())
	assert.Equal(t, uint64(1), topo.Generation)

	// Shrinking the topology drops the tail.
	require.NoError(t, m.Update([]string{"ps9:6400"}))
	topo = m.Snapshot()
	assert.Equal(t, []string{"ps9:6400"}, topo.Endpoints)
	assert.Equal(t, uint64(2), topo.Generation)
}

func TestMap_NoOpUpdateKeepsGeneration(t *testing.T) {
	var m Map

	require.NoError(t, m.Update([]string{"ps0:6400", "ps1:6400"}))
	gen := m.Generation()

	// Re-applying the identical topology must not invalidate
	// connections built against it.
	require.NoError(t, m.Update([]string{"ps0:6400", "ps1:6400"}))
	assert.Equal(t, gen, m.Generation())

	require.NoError(t, m.Update([]string{"ps0:6400", "ps2:6400"}))
	assert.Greater(t, m.Generation(), gen)
}

func TestMap_UpdateValidation(t *testing.T) {
	var m Map

	tooMany := make([]string, MaxShards+1)
	for i := range tooMany {
		tooMany[i] = "ep"
	}
	require.Error(t, m.Update(tooMany))
	require.Error(t, m.Update([]string{strings.Repeat("x", MaxEndpointLen)}))

	// Failed updates leave the map untouched.
	assert.Zero(t, m.Generation())
}

// TestSnapshot_TornReadStress hammers Snapshot while a single writer
// flips between committed topologies. Every observed snapshot must be
// exactly one of the committed states; a mix of endpoints from two
// states is a torn read and a protocol failure.
func TestSnapshot_TornReadStress(t *testing.T) {
	var m Map

	states := [][]string{
		{"alpha-0:6400", "alpha-1:6400"},
		{"beta-0:6400", "beta-1:6400", "beta-2:6400", "beta-3:6400"},
		{"gamma-with-a-much-longer-host-name-0.example.com:6400"},
	}
	valid := make(map[string]bool)
	for _, s := range states {
		valid[strings.Join(s, ",")] = true
	}
	require.NoError(t, m.Update(states[0]))

	const (
		writes  = 2000
		readers = 8
	)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lastGen := uint64(0)
			for {
				select {
				case <-done:
					return
				default:
				}
				topo := m.Snapshot()
				joined := strings.Join(topo.Endpoints, ",")
				if !valid[joined] {
					t.Errorf("torn snapshot observed: %q (generation %d)", joined, topo.Generation)
					return
				}
				if topo.Generation < lastGen {
					t.Errorf("generation moved backwards: %d after %d", topo.Generation, lastGen)
					return
				}
				lastGen = topo.Generation
			}
		}()
	}

	for i := 0; i < writes; i++ {
		if err := m.Update(states[i%len(states)]); err != nil {
			t.Errorf("Update() error = %v", err)
			break
		}
	}
	close(done)
	wg.Wait()
}
