package config

import (
	"strings"
	"time"

	"github.com/marmos91/pagetier/internal/bytesize"
	"github.com/marmos91/pagetier/pkg/pageserver"
	"github.com/marmos91/pagetier/pkg/shardmap"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced, explicit values preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	applyMetricsDefaults(&cfg.Metrics)
	applyCacheDefaults(cfg)
	applyCapacityDefaults(cfg)
	applyPageserverDefaults(&cfg.Pageserver)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults. Metrics are opt-in.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyCacheDefaults sets cache defaults. The cache directory is
// required and has no default; the soft limit defaults to the full
// arena.
func applyCacheDefaults(cfg *Config) {
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = bytesize.ByteSize(bytesize.GiB)
	}
	if cfg.Cache.SizeLimit == 0 {
		cfg.Cache.SizeLimit = cfg.Cache.MaxSize
	}
}

// applyCapacityDefaults points the monitor at the cache directory
// unless told otherwise. Watermarks default to zero (disabled).
func applyCapacityDefaults(cfg *Config) {
	if cfg.Capacity.Dir == "" {
		cfg.Capacity.Dir = cfg.Cache.Dir
	}
}

func applyPageserverDefaults(cfg *pageserver.Config) {
	if cfg.StripeSize == 0 {
		cfg.StripeSize = shardmap.DefaultStripeSize
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = pageserver.DefaultMaxReconnectAttempts
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
}

// GetDefaultConfig returns a Config with all default values applied,
// used for generating sample configuration files and in tests.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Shards: "localhost:6400",
	}
	cfg.Cache.Dir = "/tmp/pagetier-cache"
	// Placeholder identity so the sample file shows the expected shape.
	cfg.Pageserver.TenantID = "00000000000000000000000000000000"
	cfg.Pageserver.TimelineID = "00000000000000000000000000000000"

	ApplyDefaults(cfg)
	return cfg
}
