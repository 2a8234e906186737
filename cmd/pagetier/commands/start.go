package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/pagetier/internal/logger"
	"github.com/marmos91/pagetier/pkg/capacity"
	"github.com/marmos91/pagetier/pkg/config"
	"github.com/marmos91/pagetier/pkg/filecache"
	"github.com/marmos91/pagetier/pkg/metrics"
	metricsprom "github.com/marmos91/pagetier/pkg/metrics/prometheus"
	"github.com/marmos91/pagetier/pkg/pageserver"
	"github.com/marmos91/pagetier/pkg/pagetier"
	"github.com/marmos91/pagetier/pkg/shardmap"
)

// statsInterval is how often cache occupancy is logged while running.
const statsInterval = time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pagetier cache node",
	Long: `Start the pagetier cache node with the specified configuration.

The node opens the local page cache arena, connects lazily to the shard
endpoints, watches the configuration file for topology changes, and shrinks
the cache under disk or memory pressure.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/pagetier/config.yaml.

Examples:
  # Start with the default config file
  pagetier start

  # Start with custom config file
  pagetier start --config /etc/pagetier/config.yaml

  # Start with environment variable overrides
  PAGETIER_LOGGING_LEVEL=DEBUG pagetier start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}
	logger.Info("starting pagetier",
		"version", Version,
		"commit", Commit)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	shards := &shardmap.Map{}
	endpoints, err := shardmap.Parse(cfg.Shards)
	if err != nil {
		return fmt.Errorf("invalid shard topology: %w", err)
	}
	if err := shards.Update(endpoints); err != nil {
		return fmt.Errorf("installing shard topology: %w", err)
	}

	cache, err := filecache.New(cfg.Cache, metricsprom.NewCacheMetrics())
	if err != nil {
		return fmt.Errorf("opening page cache: %w", err)
	}

	manager := pageserver.NewManager(cfg.Pageserver, shards, metricsprom.NewPageserverMetrics())
	store := pagetier.NewStore(cache, manager)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	monitor := capacity.NewMonitor(cfg.Capacity, cache, cache.Limit())
	g.Go(func() error {
		return monitor.Run(ctx)
	})

	watcher, err := config.NewWatcher(configPath(), func(next *config.Config) {
		applyReload(shards, next)
	})
	if err != nil {
		return fmt.Errorf("watching configuration: %w", err)
	}
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	if cfg.Metrics.Enabled {
		runMetricsServer(ctx, g, cfg)
	}

	g.Go(func() error {
		logStats(ctx, store)
		return nil
	})

	logger.Info("pagetier started",
		"shards", len(endpoints),
		"cache_limit_chunks", cache.Limit())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("pagetier stopped")
	return nil
}

// configPath resolves the config file actually in use, for the watcher.
func configPath() string {
	if path := GetConfigFile(); path != "" {
		return path
	}
	return config.GetDefaultConfigPath()
}

// applyReload applies the hot-reloadable subset of a changed
// configuration: the shard topology and the log level. Everything else
// requires a restart.
func applyReload(shards *shardmap.Map, cfg *config.Config) {
	logger.SetLevel(cfg.Logging.Level)

	endpoints, err := shardmap.Parse(cfg.Shards)
	if err != nil {
		// Load validated the topology already; getting here means the
		// file changed between validation and apply.
		logger.Warn("ignoring shard topology change", "error", err)
		return
	}
	if err := shards.Update(endpoints); err != nil {
		logger.Warn("ignoring shard topology change", "error", err)
		return
	}
}

// runMetricsServer serves /metrics and shuts it down when ctx ends.
func runMetricsServer(ctx context.Context, g *errgroup.Group, cfg *config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: mux,
	}

	g.Go(func() error {
		logger.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
		return ctx.Err()
	})
}

// logStats periodically logs cache occupancy.
func logStats(ctx context.Context, store *pagetier.Store) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := store.CacheStats()
			logger.Debug("cache occupancy",
				"used_chunks", stats.UsedChunks,
				"limit_chunks", stats.LimitChunks,
				"valid_pages", stats.ValidPages,
				"disabled", stats.Disabled)
		}
	}
}
