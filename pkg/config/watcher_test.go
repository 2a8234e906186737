package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func validConfigYAML(dir, shards string) string {
	return `
cache:
  dir: "` + yamlSafePath(dir) + `/cache"
pageserver:
  tenant_id: "t"
  timeline_id: "tl"
shards: "` + shards + `"
`
}

// waitForShards drains apply callbacks until one carries the wanted
// topology or the timeout expires.
func waitForShards(t *testing.T, applied <-chan *Config, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-applied:
			if cfg.Shards == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for reload with shards %q", want)
		}
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfigFile(t, tmpDir, validConfigYAML(tmpDir, "ps0:6400"))

	applied := make(chan *Config, 16)
	w, err := NewWatcher(path, func(cfg *Config) { applied <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	if err := os.WriteFile(path, []byte(validConfigYAML(tmpDir, "ps0:6400,ps1:6400")), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	waitForShards(t, applied, "ps0:6400,ps1:6400")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not stop on context cancellation")
	}
}

func TestWatcher_KeepsPriorConfigOnBadChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfigFile(t, tmpDir, validConfigYAML(tmpDir, "ps0:6400"))

	applied := make(chan *Config, 16)
	w, err := NewWatcher(path, func(cfg *Config) { applied <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// A change that fails validation must not reach the callback.
	if err := os.WriteFile(path, []byte("shards: [broken"), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	select {
	case cfg := <-applied:
		t.Fatalf("Broken config applied: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}

	// The watcher stays alive and picks up the next valid change.
	if err := os.WriteFile(path, []byte(validConfigYAML(tmpDir, "ps1:6400")), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	waitForShards(t, applied, "ps1:6400")
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfigFile(t, tmpDir, validConfigYAML(tmpDir, "ps0:6400"))

	applied := make(chan *Config, 16)
	w, err := NewWatcher(path, func(cfg *Config) { applied <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	if err := os.WriteFile(tmpDir+"/other.yaml", []byte("unrelated: true"), 0644); err != nil {
		t.Fatalf("Failed to write sibling file: %v", err)
	}
	select {
	case cfg := <-applied:
		t.Fatalf("Sibling file change applied: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
