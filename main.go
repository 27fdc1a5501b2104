package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bryan-buckman/telereader/internal/catalog"
	"github.com/bryan-buckman/telereader/internal/config"
	"github.com/bryan-buckman/telereader/internal/database"
	"github.com/bryan-buckman/telereader/internal/ingest"
	"github.com/bryan-buckman/telereader/internal/logger"
	"github.com/bryan-buckman/telereader/internal/media"
	"github.com/bryan-buckman/telereader/internal/metrics"
	"github.com/bryan-buckman/telereader/internal/retention"
	"github.com/bryan-buckman/telereader/internal/scheduler"
	"github.com/bryan-buckman/telereader/internal/server"
	"github.com/bryan-buckman/telereader/internal/source"
	"github.com/bryan-buckman/telereader/internal/source/feed"
	"github.com/bryan-buckman/telereader/internal/source/telegram"
)

func main() {
	os.Exit(realMain())
}

// realMain returns the process exit code once every deferred cleanup,
// including the final log flush, has run.
func realMain() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
		Compress:    cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	return exitCode(run(cfg, log), log)
}

func exitCode(err error, log *zap.Logger) int {
	if err != nil {
		log.Error("telereader exited with error", zap.Error(err))
		return 1
	}
	log.Info("telereader exited cleanly")
	return 0
}

func run(cfg *config.Config, log *zap.Logger) error {
	store, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("database ready", zap.String("type", store.DatabaseType()))

	files, err := media.NewStore(cfg.Media.Path)
	if err != nil {
		return err
	}

	upstream, err := openSource(cfg, log)
	if err != nil {
		return err
	}
	src := source.NewGuard(upstream, source.GuardOptions{
		MaxInFlight:       cfg.Source.MaxInFlight,
		RequestsPerSecond: cfg.Source.RequestsPerSecond,
		Burst:             cfg.Source.Burst,
	}, log.Named("source"))
	defer src.Close()

	m := metrics.New()
	engine := ingest.New(store, files, src, ingest.Options{
		PageSize:        cfg.Sync.PageSize,
		MaxAttempts:     cfg.Sync.MaxAttempts,
		FetchTimeout:    cfg.Sync.FetchTimeout,
		DownloadTimeout: cfg.Sync.DownloadTimeout,
		Parallelism:     cfg.Sync.Parallelism,
	}, m, log.Named("ingest"))
	pruner := retention.New(store, files, m, log.Named("retention"))
	policy := retention.Policy{
		KeepPerChannel: cfg.Retention.KeepPerChannel,
		MaxAge:         cfg.Retention.MaxAge,
	}
	sched := scheduler.New(engine, pruner, scheduler.Options{
		Retention:    policy,
		SweepTimeout: cfg.Sync.SweepTimeout,
	}, log.Named("scheduler"))

	svc := catalog.New(store, sched, files, catalog.Options{
		CascadeDelete:  cfg.Sync.CascadeDelete,
		MediaURLPrefix: cfg.Media.URLPrefix,
	}, log.Named("catalog"))

	api, err := server.New(server.Deps{
		Catalog:        svc,
		Scheduler:      sched,
		Purger:         pruner,
		Retention:      policy,
		MediaDir:       files.BasePath(),
		MediaURLPrefix: cfg.Media.URLPrefix,
		DB:             store.DB(),
		Metrics:        m,
		Logger:         log.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if err := sched.Start(cfg.Sync.Interval); err != nil {
		return err
	}
	// Catch up on startup instead of waiting a full interval.
	sched.TriggerNow()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		sched.Stop()
		log.Info("scheduler stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(cfg config.DatabaseConfig) (database.Store, error) {
	switch cfg.Type {
	case "postgres":
		return database.NewPostgres(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
	default:
		return database.New(cfg.Path)
	}
}

func openSource(cfg *config.Config, log *zap.Logger) (source.Source, error) {
	switch cfg.Source.Kind {
	case "feed":
		return feed.New(feed.Options{
			URLTemplate:       cfg.Feed.URLTemplate,
			DefaultRetryAfter: cfg.Feed.DefaultRetryAfter,
			UserAgent:         cfg.Feed.UserAgent,
		}, log.Named("feed"))
	default:
		return telegram.New(telegram.Options{
			AppID:          cfg.Telegram.AppID,
			AppHash:        cfg.Telegram.AppHash,
			SessionFile:    cfg.Telegram.SessionFile,
			ConnectTimeout: cfg.Telegram.ConnectTimeout,
		}, log.Named("telegram"))
	}
}
