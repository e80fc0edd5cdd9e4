package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/archive"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/cache"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/config"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/ladder"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/ops"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/orchestrator"
)

const archiveFlushInterval = time.Minute

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listenAddr     string
		warmupConcepts []string
		warmupModes    []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the substrate with its operations surface",
		Long: `Starts the core and serves the read-only operations API: health,
stats, Prometheus metrics and the websocket event stream. Providers are
registered by the embedding application; serve on its own is useful for
cache inspection, warm-up and archive draining.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.Ops.ListenAddr = listenAddr
			}
			return runServe(cmd.Context(), cfg, warmupConcepts, warmupModes)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override ops listen address")
	cmd.Flags().StringSliceVar(&warmupConcepts, "warmup", nil, "concepts to warm the cache with on start")
	cmd.Flags().StringSliceVar(&warmupModes, "warmup-modalities", []string{"animation", "text"}, "modalities used for warm-up")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, warmupConcepts, warmupModes []string) error {
	hub := ops.NewHub()
	core, err := orchestrator.New(cfg, orchestrator.Deps{
		Emitter:   events.Fanout{events.Log{}, hub},
		Snapshots: snapshotStore(cfg.Snapshot),
	})
	if err != nil {
		return err
	}
	defer core.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Archive.Enabled {
		arch, err := archive.Open(cfg.Archive.DSN)
		if err != nil {
			return err
		}
		defer arch.Close()
		if err := arch.EnsureSchema(ctx); err != nil {
			return err
		}
		go drainDeadLetters(ctx, arch, core)
	}

	if len(warmupConcepts) > 0 {
		go runWarmup(ctx, cfg.Warmup, core, warmupConcepts, warmupModes)
	}

	server := ops.NewServer(cfg.Ops, core, hub)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// snapshotStore picks the snapshot backend: Redis when an address is
// configured, a local file when a path is, nothing otherwise.
func snapshotStore(cfg config.SnapshotConfig) cache.SnapshotStore {
	if cfg.RedisAddr != "" {
		return cache.RedisSnapshotStore{
			Client: redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			Key:    cfg.RedisKey,
			TTL:    time.Duration(cfg.TTLHours) * time.Hour,
		}
	}
	if cfg.Path != "" {
		return cache.FileSnapshotStore{Path: cfg.Path}
	}
	return nil
}

// drainDeadLetters periodically flushes the bus dead-letter log to Postgres.
func drainDeadLetters(ctx context.Context, arch *archive.Archive, core *orchestrator.Core) {
	ticker := time.NewTicker(archiveFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final flush on the way out.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := arch.DrainFrom(flushCtx, core.Bus().DeadLetters()); err != nil {
				log.Warn().Err(err).Msg("final dead-letter flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := arch.DrainFrom(ctx, core.Bus().DeadLetters()); err != nil {
				log.Warn().Err(err).Msg("dead-letter flush failed")
			}
		}
	}
}

// runWarmup materializes introductory artifacts in the background under the
// configured rate limit.
func runWarmup(ctx context.Context, cfg config.WarmupConfig, core *orchestrator.Core, concepts, modalities []string) {
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	res, err := ladder.Warmup{
		Ladder:      core.Ladder(),
		Concepts:    concepts,
		Modalities:  modalities,
		Limiter:     limiter,
		Parallelism: cfg.Parallelism,
		Emitter:     core.Emitter(),
	}.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("cache warm-up aborted")
		return
	}
	log.Info().
		Int("materialized", res.Materialized).
		Int("gated", res.Gated).
		Int("failed", res.Failed).
		Str("concepts", strings.Join(concepts, ",")).
		Msg("cache warm-up finished")
}
