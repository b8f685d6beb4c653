// Package main wires the docs-site crawler daemon: store, fetchers,
// supervisor loop, and the HTTP control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/skrapp/skrapp/internal/api"
	"github.com/skrapp/skrapp/internal/clock/system"
	"github.com/skrapp/skrapp/internal/config"
	"github.com/skrapp/skrapp/internal/crawler"
	"github.com/skrapp/skrapp/internal/engine"
	"github.com/skrapp/skrapp/internal/extract"
	collyfetcher "github.com/skrapp/skrapp/internal/fetcher/colly"
	"github.com/skrapp/skrapp/internal/fetcher/headless"
	"github.com/skrapp/skrapp/internal/finalize"
	"github.com/skrapp/skrapp/internal/hash/sha256"
	"github.com/skrapp/skrapp/internal/id/uuid"
	"github.com/skrapp/skrapp/internal/logging"
	"github.com/skrapp/skrapp/internal/metrics"
	pubsubpublisher "github.com/skrapp/skrapp/internal/publisher/pubsub"
	"github.com/skrapp/skrapp/internal/quality"
	gcsblob "github.com/skrapp/skrapp/internal/storage/gcs"
	"github.com/skrapp/skrapp/internal/store/postgres"
	"github.com/skrapp/skrapp/internal/store/sqlite"
	"github.com/skrapp/skrapp/internal/supervisor"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.New()
	workerID := "worker-" + ids.NewID()

	store, err := openStore(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   30 * time.Second,
	})
	var jsFetcher crawler.Fetcher
	if cfg.Headless.Enabled {
		chromeFetcher, err := headless.New(headless.Config{
			MaxParallel: cfg.Headless.MaxParallel,
			UserAgent:   cfg.Crawler.UserAgent,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed, using noop", zap.Error(err))
			jsFetcher = headless.NewNoop()
		} else {
			defer chromeFetcher.Close()
			jsFetcher = chromeFetcher
		}
	} else {
		jsFetcher = headless.NewNoop()
	}

	var blob crawler.BlobStore
	if cfg.Cloud.GCSBucket != "" {
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		defer func() { _ = client.Close() }()
		blob, err = gcsblob.New(client, cfg.Cloud.GCSBucket)
		if err != nil {
			return fmt.Errorf("init gcs blob store: %w", err)
		}
		logger.Info("artifact mirroring enabled", zap.String("bucket", cfg.Cloud.GCSBucket))
	}

	var publisher crawler.Publisher
	if cfg.Cloud.PubSubProjectID != "" {
		pub, err := pubsubpublisher.New(ctx, cfg.Cloud.PubSubProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		defer func() { _ = pub.Close() }()
		publisher = pub
		logger.Info("completion events enabled", zap.String("topic", cfg.Cloud.PubSubTopic))
	}

	robots := crawler.NewRobotsEnforcer(cfg.Crawler.RespectRobots, cfg.Crawler.UserAgent,
		logger.Named("robots"))

	eng := engine.New(
		store,
		httpFetcher,
		jsFetcher,
		extract.NewGoquery(),
		extract.NewDensity(),
		sha256.New(),
		clock,
		ids,
		robots,
		engine.Config{
			HTTPConcurrency:   cfg.Crawler.ConcurrentRequests,
			JSConcurrency:     cfg.Headless.MaxParallel,
			LeaseTTL:          time.Duration(cfg.Crawler.LeaseTTLSeconds) * time.Second,
			HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second,
			DownloadDelay:     cfg.DownloadDelay(),
			DepthLimit:        cfg.Crawler.DepthLimit,
			DrainTimeout:      time.Duration(cfg.Crawler.DrainSeconds) * time.Second,
			Quality: quality.Thresholds{
				MinTextSuccess:  cfg.Quality.MinTextSuccess,
				MinTextMarginal: cfg.Quality.MinTextMarginal,
			},
			OutputDir: cfg.Jobs.OutputDir,
		},
		workerID,
		logger.Named("engine"),
	)

	finalizer := finalize.New(store, clock, blob, publisher, cfg.Cloud.PubSubTopic,
		cfg.Jobs.OutputDir, logger.Named("finalize"))

	sup := supervisor.New(store, eng, finalizer, clock, supervisor.Config{
		PollInterval:         time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		OrphanedThreshold:    time.Duration(cfg.Worker.OrphanedSeconds) * time.Second,
		StalledThreshold:     time.Duration(cfg.Worker.StalledSeconds) * time.Second,
		HardStalledThreshold: time.Duration(cfg.Worker.HardStalledSeconds) * time.Second,
		MaxRestarts:          cfg.Worker.MaxRestarts,
	}, workerID, logger.Named("supervisor"))

	apiServer := api.NewServer(store, ids, clock, api.Limits{
		MaxPagesLimit:         cfg.Jobs.MaxPagesLimit,
		DefaultMaxPages:       cfg.Jobs.DefaultMaxPages,
		DefaultTimeoutSeconds: cfg.Jobs.DefaultTimeoutSeconds,
		MaxTimeoutSeconds:     cfg.Jobs.MaxTimeoutSeconds,
		JobTTL:                cfg.JobTTL(),
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		logger.Info("supervisor started", zap.String("worker_id", workerID))
		sup.Run(ctx)
	}()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.API.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-supervisorDone
	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, clock crawler.Clock, logger *zap.Logger) (crawler.Store, error) {
	switch cfg.DB.Backend {
	case "sqlite":
		logger.Info("opening sqlite store", zap.String("path", cfg.DB.Path))
		st, err := sqlite.Open(cfg.DB.Path, sqlite.DefaultOptions(), clock)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "postgres":
		logger.Info("connecting to postgres store")
		st, err := postgres.Open(ctx, cfg.DB.DSN, clock)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown db_backend %q", cfg.DB.Backend)
	}
}
