package config

import (
	"testing"
	"time"

	"github.com/marmos91/pagetier/internal/bytesize"
	"github.com/marmos91/pagetier/pkg/pageserver"
	"github.com/marmos91/pagetier/pkg/shardmap"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected format text, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected output stdout, got %q", cfg.Logging.Output)
	}
}

func TestApplyDefaults_LogLevelNormalized(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level DEBUG, got %q", cfg.Logging.Level)
	}
}

func TestApplyDefaults_Cache(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Cache.MaxSize != bytesize.GiB {
		t.Errorf("Expected default max_size 1Gi, got %s", cfg.Cache.MaxSize)
	}
	if cfg.Cache.SizeLimit != cfg.Cache.MaxSize {
		t.Errorf("Expected size_limit to default to max_size, got %s", cfg.Cache.SizeLimit)
	}
	if cfg.Cache.Dir != "" {
		t.Errorf("Cache dir must not default, got %q", cfg.Cache.Dir)
	}
}

func TestApplyDefaults_CapacityFollowsCacheDir(t *testing.T) {
	cfg := &Config{}
	cfg.Cache.Dir = "/var/cache/pages"
	ApplyDefaults(cfg)

	if cfg.Capacity.Dir != "/var/cache/pages" {
		t.Errorf("Expected capacity dir to follow cache dir, got %q", cfg.Capacity.Dir)
	}
}

func TestApplyDefaults_Pageserver(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Pageserver.StripeSize != shardmap.DefaultStripeSize {
		t.Errorf("Expected default stripe size %d, got %d",
			shardmap.DefaultStripeSize, cfg.Pageserver.StripeSize)
	}
	if cfg.Pageserver.MaxReconnectAttempts != pageserver.DefaultMaxReconnectAttempts {
		t.Errorf("Expected default reconnect ceiling %d, got %d",
			pageserver.DefaultMaxReconnectAttempts, cfg.Pageserver.MaxReconnectAttempts)
	}
	if cfg.Pageserver.ConnectTimeout != 5*time.Second {
		t.Errorf("Expected default connect timeout 5s, got %v", cfg.Pageserver.ConnectTimeout)
	}
}

func TestApplyDefaults_MetricsOptIn(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 0 {
		t.Errorf("Disabled metrics must not get a port, got %d", cfg.Metrics.Port)
	}

	cfg = &Config{}
	cfg.Metrics.Enabled = true
	ApplyDefaults(cfg)
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Metrics.Port)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		ShutdownTimeout: 10 * time.Second,
	}
	cfg.Logging.Level = "warn"
	cfg.Cache.MaxSize = 2 * bytesize.GiB
	cfg.Cache.SizeLimit = bytesize.GiB
	cfg.Capacity.Dir = "/other/dir"
	cfg.Pageserver.StripeSize = 1024

	ApplyDefaults(cfg)

	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("Explicit shutdown timeout overwritten: %v", cfg.ShutdownTimeout)
	}
	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected WARN, got %q", cfg.Logging.Level)
	}
	if cfg.Cache.SizeLimit != bytesize.GiB {
		t.Errorf("Explicit size limit overwritten: %s", cfg.Cache.SizeLimit)
	}
	if cfg.Capacity.Dir != "/other/dir" {
		t.Errorf("Explicit capacity dir overwritten: %q", cfg.Capacity.Dir)
	}
	if cfg.Pageserver.StripeSize != 1024 {
		t.Errorf("Explicit stripe size overwritten: %d", cfg.Pageserver.StripeSize)
	}
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Errorf("Default config must validate, got: %v", err)
	}
}
