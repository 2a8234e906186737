package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/pagetier/pkg/shardmap"
)

var validate = validator.New()

// Validate checks the configuration for errors a running server could
// not recover from. Struct tags cover the per-field rules; the checks
// below span fields or need domain parsing.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if cfg.Cache.SizeLimit > cfg.Cache.MaxSize {
		return fmt.Errorf("cache.size_limit %s exceeds cache.max_size %s",
			cfg.Cache.SizeLimit, cfg.Cache.MaxSize)
	}

	if cfg.Pageserver.TenantID == "" {
		return fmt.Errorf("pageserver.tenant_id is required")
	}
	if cfg.Pageserver.TimelineID == "" {
		return fmt.Errorf("pageserver.timeline_id is required")
	}
	if cfg.Pageserver.MaxReconnectAttempts < 0 {
		return fmt.Errorf("pageserver.max_reconnect_attempts must not be negative")
	}

	// Reject broken topologies at startup rather than at first request.
	if _, err := shardmap.Parse(cfg.Shards); err != nil {
		return fmt.Errorf("invalid shard topology %q: %w", cfg.Shards, err)
	}

	return nil
}
