// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ManuGH/taskhub/internal/api"
	apimw "github.com/ManuGH/taskhub/internal/api/middleware"
	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/codec"
	"github.com/ManuGH/taskhub/internal/config"
	"github.com/ManuGH/taskhub/internal/historystore/sqlitehistory"
	"github.com/ManuGH/taskhub/internal/leasestore"
	"github.com/ManuGH/taskhub/internal/leasestore/redislease"
	"github.com/ManuGH/taskhub/internal/leasestore/sqlitelease"
	tlog "github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/persistence/sqlite"
	"github.com/ManuGH/taskhub/internal/queue"
	"github.com/ManuGH/taskhub/internal/queue/memory"
	"github.com/ManuGH/taskhub/internal/queue/redisqueue"
	"github.com/ManuGH/taskhub/internal/session/warmcache"
	"github.com/ManuGH/taskhub/internal/taskhub"
	"github.com/ManuGH/taskhub/internal/telemetry"
	"github.com/ManuGH/taskhub/internal/version"
	"github.com/redis/go-redis/v9"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	tlog.Configure(tlog.Config{Level: "info", Service: "taskhub", Version: version.Version})
	logger := tlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	explicitConfigPath := strings.TrimSpace(*configPath)
	effectiveConfigPath := explicitConfigPath
	if effectiveConfigPath == "" {
		dataDir := strings.TrimSpace(os.Getenv("TASKHUB_DATA_DIR"))
		if dataDir == "" {
			dataDir = "./data"
		}
		autoPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectiveConfigPath = autoPath
		}
	}

	loader := config.NewLoader(effectiveConfigPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Str("config_path", effectiveConfigPath).Msg("failed to load configuration")
	}

	tlog.Configure(tlog.Config{Level: cfg.Logging.Level, Service: cfg.Logging.Service, Version: cfg.Version})
	logger = tlog.WithComponent("daemon")

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("hub", cfg.Hub).
		Str("worker_id", cfg.WorkerID).
		Str("backend", cfg.Backend).
		Str("data_dir", cfg.DataDir).
		Msg("starting taskhubd")

	if cfg.Backend == config.BackendRedis {
		logger.Info().Str("redis_addr", maskURL(cfg.RedisAddr)).Msg("using redis storage backend")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Msg("failed to create data directory")
	}

	leases, q, closeStorage, err := buildStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage backend")
	}
	defer closeStorage()

	historyDB, err := sqlite.Open(filepath.Join(cfg.DataDir, "history.db"), sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open history database")
	}
	defer historyDB.Close()

	blobs, err := blobstore.NewFilesystemStore(filepath.Join(cfg.DataDir, "blobs"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob store")
	}

	history, err := sqlitehistory.New(ctx, historyDB, blobs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize history store")
	}

	c := codec.New(blobs, cfg.LargeMessageThresholdB)

	var warm *warmcache.Cache
	if cfg.WarmCacheEnabled {
		warm, err = warmcache.Open(filepath.Join(cfg.DataDir, "warmcache"), cfg.WarmCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open extended-session warm cache")
		}
		defer func() { _ = warm.Close() }()
	}

	hub := taskhub.New(taskhub.Config{
		Hub:                     cfg.Hub,
		WorkerID:                cfg.WorkerID,
		PartitionCount:          cfg.PartitionCount,
		AcquireInterval:         cfg.AcquireInterval,
		RenewInterval:           cfg.RenewInterval,
		LeaseInterval:           cfg.LeaseInterval,
		Visibility:              cfg.Visibility,
		ExtendedSessionsEnabled: cfg.ExtendedSessionsEnabled,
		MaxStorageConcurrency:   cfg.MaxStorageConcurrency,
		PoisonThreshold:         cfg.PoisonThreshold,
		PoisonScanInterval:      cfg.PoisonScanInterval,
		LargeMessageThresholdB:  cfg.LargeMessageThresholdB,
	}, q, c, leases, history, blobs, warm)

	if err := hub.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start taskhub service")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := hub.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error stopping taskhub service")
		}
	}()

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Logging.Service,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry provider")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down telemetry provider")
		}
	}()

	holder, err := config.NewConfigHolder(loader, effectiveConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize config holder")
	}
	holder.StartWatcher(ctx)
	defer holder.Stop()

	srv, err := api.NewServer(cfg.HTTP, hub, apimw.StackConfig{
		EnableCORS:            true,
		AllowedOrigins:        []string{"*"},
		EnableSecurityHeaders: true,
		EnableTracing:         cfg.Telemetry.Enabled,
		TracerName:            cfg.Logging.Service,
		EnableMetrics:         true,
		EnableLogging:         true,
		EnableRateLimit:       true,
		RateLimitRPS:          100,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build API server")
	}

	logger.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("API server listening")
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("API server failed")
	}

	logger.Info().Msg("server exiting")
}

// buildStorage wires the lease store and control-plane queue for the
// configured backend. History storage is always sqlite-backed: no
// redis-backed historystore implementation exists, so it is built
// separately in main regardless of cfg.Backend.
func buildStorage(ctx context.Context, cfg config.AppConfig) (leasestore.Store, queue.Queue, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("redis: ping %s: %w", maskURL(cfg.RedisAddr), err)
		}
		leases := redislease.New(client, cfg.Hub)
		q := redisqueue.New(client)
		return leases, q, func() { _ = client.Close() }, nil
	default:
		leaseDB, err := sqlite.Open(filepath.Join(cfg.DataDir, "leases.db"), sqlite.DefaultConfig())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite: open leases db: %w", err)
		}
		leases, err := sqlitelease.New(ctx, leaseDB, cfg.Hub)
		if err != nil {
			_ = leaseDB.Close()
			return nil, nil, nil, fmt.Errorf("sqlite: init lease store: %w", err)
		}
		mq := memory.New()
		return leases, mq, func() { mq.Close(); _ = leaseDB.Close() }, nil
	}
}
