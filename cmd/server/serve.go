package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/uploadguard/backend/internal/api"
	"github.com/uploadguard/backend/internal/config"
	"github.com/uploadguard/backend/internal/metrics"
	"github.com/uploadguard/backend/internal/recovery"
	"github.com/uploadguard/backend/internal/scanner"
	"github.com/uploadguard/backend/internal/storage"
	"github.com/uploadguard/backend/internal/streaming"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP and WebSocket server (default)",
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, path, logger, err := loadRuntime(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.EnsureDirectories(); err != nil {
		return cli.Exit(fmt.Sprintf("failed to create directories: %v", err), exitFailure)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil)
	}

	verdicts, err := openVerdictStore(cfg, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open verdict store: %v", err), exitFailure)
	}
	defer func() {
		if err := verdicts.Close(); err != nil {
			logger.Warn("verdict store close failed", zap.Error(err))
		}
	}()

	s := newScanner(cfg, verdicts, collector, logger)
	degraded, err := s.LoadModule(ctx, cfg.Analysis.EngineOptions())
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load analysis module: %v", err), exitFailure)
	}
	if degraded {
		logger.Warn("analysis module running in degraded mode")
	}

	janitor := streaming.NewJanitor(s.Streams(), logger.Named("janitor"))
	if err := janitor.Start(ctx); err != nil {
		return cli.Exit(fmt.Sprintf("failed to start janitor: %v", err), exitFailure)
	}

	watcher, err := config.NewWatcher(path, config.DefaultDebounce, func(a config.AnalysisConfig) {
		if err := s.Reload(ctx, a.EngineOptions()); err != nil {
			logger.Warn("analysis reload rejected", zap.Error(err))
		}
	}, logger.Named("config"))
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	} else {
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	api.SetupMiddleware(e, api.MiddlewareConfig{
		EnableCORS:   cfg.Server.EnableCORS,
		AllowOrigins: cfg.Server.AllowOrigins,
		BodyLimit:    cfg.Server.BodyLimit,
		Logger:       logger.Named("http"),
	})

	deps := &api.Dependencies{
		Scanner: s,
		Logger:  logger.Named("ws"),
		Version: Version,
	}
	if collector != nil {
		deps.Metrics = collector.Handler()
	}
	api.RegisterRoutes(e, api.NewHandlers(deps))

	srv := &http.Server{
		Addr:         cfg.GetServerAddr(),
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	logger.Info("uploadguard server starting",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("config", path),
		zap.String("listen", srv.Addr),
		zap.String("data_dir", cfg.GetDataDir()),
		zap.Bool("metrics", collector != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := e.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return cli.Exit(fmt.Sprintf("server failed: %v", err), exitFailure)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	janitor.Stop()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

// openVerdictStore opens the DuckDB store, or an in-memory one when the
// database is disabled.
func openVerdictStore(cfg *config.AppConfig, logger *zap.Logger) (storage.VerdictStore, error) {
	path := cfg.VerdictDBPath()
	if path == "" {
		return storage.NewMemoryVerdictStore(), nil
	}
	return storage.NewDuckVerdictStore(path, logger.Named("verdicts"))
}

func newScanner(cfg *config.AppConfig, verdicts storage.VerdictStore, collector *metrics.Collector, logger *zap.Logger) *scanner.Scanner {
	streams := streaming.NewManager(streaming.Options{
		Limits:  cfg.Streaming.Limits(),
		Logger:  logger.Named("streaming"),
		Metrics: collector,
	})
	rec := recovery.NewManager(recovery.Options{
		BaseDelay:   cfg.Recovery.BaseDelay.Duration,
		MaxAttempts: cfg.Recovery.MaxAttempts,
		LogCapacity: cfg.Recovery.LogCapacity,
		Logger:      logger.Named("recovery"),
		Metrics:     collector,
	})
	return scanner.New(scanner.Options{
		Streams:  streams,
		Recovery: rec,
		Verdicts: verdicts,
		Metrics:  collector,
		Logger:   logger.Named("scanner"),
	})
}
