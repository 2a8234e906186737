// Package capacity watches the local disk and memory the page cache
// lives on and shrinks the cache when either runs low.
//
// The monitor samples free disk space under the cache directory and
// available system memory. When a sample falls below its watermark the
// cache limit is halved, then quartered, and so on: each consecutive
// pressured sample doubles the shrinking factor until the cache is
// empty. As soon as pressure clears the factor resets and the
// configured limit is restored, so a transient spike does not leave
// the cache permanently small.
package capacity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/marmos91/pagetier/internal/bytesize"
	"github.com/marmos91/pagetier/internal/logger"
)

const (
	// MaxMonitorInterval bounds the sampling period. Polling the
	// filesystem once a second has no measurable overhead.
	MaxMonitorInterval = time.Second

	// maxWriteRate is the assumed worst-case fill rate of the cache
	// directory, used to pick a sampling interval short enough that
	// the watermark cannot be consumed between two samples.
	maxWriteRate = 10_000 << 20 // 10 GB/s

	// maxShrinkFactor caps the right shift applied to the limit. At 31
	// any 32-bit chunk count shifts to zero.
	maxShrinkFactor = 31
)

// Sampler reads the current free disk space and available memory.
// The default implementation uses gopsutil; tests substitute their own.
type Sampler interface {
	// FreeDisk returns the free bytes on the filesystem holding path.
	FreeDisk(path string) (uint64, error)

	// FreeMemory returns the available bytes of system memory.
	FreeMemory() (uint64, error)
}

// Cache is the resizable cache the monitor drives.
type Cache interface {
	// Resize lowers or restores the cache limit, in chunks.
	Resize(newLimit uint32)
}

// Config controls the monitor watermarks.
type Config struct {
	// Dir is the cache directory whose filesystem is watched.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// FreeSpaceWatermark triggers shrinking when free disk space on
	// the cache filesystem drops below it. Zero disables the disk
	// check.
	FreeSpaceWatermark bytesize.ByteSize `mapstructure:"free_space_watermark" yaml:"free_space_watermark"`

	// FreeMemoryWatermark triggers shrinking when available system
	// memory drops below it. Zero disables the memory check.
	FreeMemoryWatermark bytesize.ByteSize `mapstructure:"free_memory_watermark" yaml:"free_memory_watermark"`
}

// Monitor periodically samples system capacity and resizes the cache.
type Monitor struct {
	cfg     Config
	cache   Cache
	limit   uint32 // configured cache limit in chunks
	sampler Sampler
	factor  uint32
	log     *slog.Logger
}

// NewMonitor creates a monitor that keeps cache at or below limit
// chunks, shrinking further under capacity pressure.
func NewMonitor(cfg Config, cache Cache, limit uint32) *Monitor {
	return &Monitor{
		cfg:     cfg,
		cache:   cache,
		limit:   limit,
		sampler: systemSampler{},
		log:     logger.With("component", "capacity"),
	}
}

// SetSampler replaces the capacity source. Must be called before Run.
func (m *Monitor) SetSampler(s Sampler) {
	m.sampler = s
}

// Interval returns the sampling period: the time in which the smallest
// active watermark could be consumed at the worst-case write rate,
// capped at MaxMonitorInterval.
func (m *Monitor) Interval() time.Duration {
	watermark := m.cfg.FreeSpaceWatermark.Uint64()
	if mw := m.cfg.FreeMemoryWatermark.Uint64(); watermark == 0 || (mw != 0 && mw < watermark) {
		watermark = mw
	}
	if watermark == 0 {
		return MaxMonitorInterval
	}
	interval := time.Duration(watermark * uint64(time.Second) / maxWriteRate)
	if interval > MaxMonitorInterval {
		interval = MaxMonitorInterval
	}
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

// Run samples capacity until ctx is cancelled. It only returns the
// context error; sampling failures are logged and the cycle skipped,
// since a transient statfs error is no reason to stop watching.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.FreeSpaceWatermark == 0 && m.cfg.FreeMemoryWatermark == 0 {
		m.log.Info("capacity monitor disabled, no watermarks configured")
		<-ctx.Done()
		return ctx.Err()
	}

	interval := m.Interval()
	m.log.Info("capacity monitor started",
		"interval", interval.String(),
		"free_space_watermark", m.cfg.FreeSpaceWatermark.String(),
		"free_memory_watermark", m.cfg.FreeMemoryWatermark.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick takes one sample and applies the shrink/reset policy.
func (m *Monitor) tick() {
	pressured, reason, err := m.pressure()
	if err != nil {
		m.log.Warn("capacity sample failed", "error", err)
		return
	}

	if pressured {
		if m.factor < maxShrinkFactor {
			m.factor++
		}
		target := m.limit >> m.factor
		m.log.Warn("capacity pressure, shrinking cache",
			"reason", reason,
			"shrink_factor", m.factor,
			"target_chunks", target)
		m.cache.Resize(target)
		return
	}

	if m.factor != 0 {
		m.factor = 0
		m.log.Info("capacity pressure cleared, restoring cache limit",
			"limit_chunks", m.limit)
		m.cache.Resize(m.limit)
	}
}

// pressure reports whether any configured watermark is breached.
func (m *Monitor) pressure() (bool, string, error) {
	if wm := m.cfg.FreeSpaceWatermark.Uint64(); wm != 0 {
		free, err := m.sampler.FreeDisk(m.cfg.Dir)
		if err != nil {
			return false, "", fmt.Errorf("sampling free disk space: %w", err)
		}
		if free < wm {
			return true, fmt.Sprintf("free disk space %d below watermark %d", free, wm), nil
		}
	}
	if wm := m.cfg.FreeMemoryWatermark.Uint64(); wm != 0 {
		free, err := m.sampler.FreeMemory()
		if err != nil {
			return false, "", fmt.Errorf("sampling free memory: %w", err)
		}
		if free < wm {
			return true, fmt.Sprintf("free memory %d below watermark %d", free, wm), nil
		}
	}
	return false, "", nil
}

// systemSampler reads capacity from the operating system.
type systemSampler struct{}

func (systemSampler) FreeDisk(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (systemSampler) FreeMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}
