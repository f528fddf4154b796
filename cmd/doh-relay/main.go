package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"doh-relay/pkg/bootstrap"
	"doh-relay/pkg/config"
	"doh-relay/pkg/gateway"
	"doh-relay/pkg/logging"
	"doh-relay/pkg/ratelimit"
	"doh-relay/pkg/storage"
	"doh-relay/pkg/telemetry"
	"doh-relay/pkg/upstream"
)

var (
	configPath = flag.String("config", "config.yml", "Path to configuration file")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	logger.Info("doh-relay starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()
	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	store, err := storage.New(&cfg.Storage, metrics)
	if err != nil {
		logger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	if store != nil {
		logger.Info("Query log storage enabled", "path", cfg.Storage.DatabasePath)
	}

	// Resolve the upstream hostname through the configured bootstrap
	// servers; the relay never asks the system resolver.
	poller := bootstrap.New(cfg.UpstreamHost(), &cfg.Bootstrap, logger, metrics)

	pollerCtx, pollerCancel := context.WithCancel(ctx)
	defer pollerCancel()
	go poller.Run(pollerCtx)

	fetcher, err := upstream.New(&cfg.Upstream, poller, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize upstream client", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewManager(&cfg.RateLimit, logger)

	server, err := gateway.NewServer(cfg, fetcher, limiter, store, logger, metrics)
	if err != nil {
		logger.Error("Failed to initialize gateway", "error", err)
		os.Exit(1)
	}

	if store != nil && cfg.Storage.RetentionDays > 0 {
		go retentionLoop(ctx, store, cfg.Storage.RetentionDays, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(serverCtx)
	}()

	logger.Info("doh-relay is running",
		"address", cfg.Server.ListenAddress,
		"upstream", cfg.Upstream.Endpoint,
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig.String())
		serverCancel()
		pollerCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Stop(); err != nil {
			logger.Error("Error during gateway shutdown", "error", err)
		}
		limiter.Stop()
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Error("Error during storage shutdown", "error", err)
			}
		}
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}

		logger.Info("doh-relay stopped")

	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}
}

// retentionLoop prunes old query log entries once a day.
func retentionLoop(ctx context.Context, store storage.Storage, retentionDays int, logger *logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -retentionDays)
			if err := store.Cleanup(ctx, cutoff); err != nil {
				logger.Error("Query log cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
