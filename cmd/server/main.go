package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/oreflow/service/config"
	"github.com/brojonat/oreflow/service/db"
	"github.com/brojonat/oreflow/service/gateway"
	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/server"
	"github.com/brojonat/oreflow/service/temporal"
	"github.com/brojonat/oreflow/service/txbuild"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	program, err := cfg.Program()
	if err != nil {
		logger.Error("invalid program configuration", "error", err)
		os.Exit(1)
	}

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize the ledger gateway on one of the configured endpoints
	rpcURL, err := gateway.SelectRandomEndpoint(cfg.SolanaRPCURLs)
	if err != nil {
		logger.Error("failed to select RPC endpoint", "error", err)
		os.Exit(1)
	}
	ledger := gateway.NewClient(
		gateway.NewRPCClient(rpcURL),
		program,
		gateway.Options{
			ConfirmTimeout:      cfg.ConfirmTimeout,
			ConfirmPollInterval: cfg.ConfirmPollInterval,
		},
		gateway.EndpointLabel(rpcURL),
		metricsCollector,
		logger,
	)
	logger.Info("initialized ledger gateway",
		"endpoint", gateway.EndpointLabel(rpcURL),
		"total_endpoints", len(cfg.SolanaRPCURLs),
	)

	// Attempt history is optional
	var attempts server.Attempts
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		store := db.NewStore(dbPool, metricsCollector)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		attempts = store
		logger.Info("connected to database")
	}

	// Initialize Temporal client for custodial workflows
	var transactions server.Transactions
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		logger,
	)
	if err != nil {
		logger.Warn("temporal unavailable, workflow endpoints disabled", "error", err)
	} else {
		defer temporalClient.Close()
		transactions = temporalClient
		logger.Info("connected to temporal",
			"host", cfg.TemporalHost,
			"namespace", cfg.TemporalNamespace,
		)
	}

	// SSE status streams read from NATS
	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("NATS unavailable, status streams disabled", "error", err)
		ssePublisher = nil
	}

	httpServer := server.New(
		cfg.ServerAddr,
		server.Options{
			TopUpAmount: cfg.TopUpAmount,
			PriorityFee: txbuild.ClampPriorityFee(cfg.PriorityFee),
			SettleDelay: cfg.SettleDelay,
		},
		ledger,
		program,
		transactions,
		attempts,
		ssePublisher,
		metricsCollector,
		logger,
	)

	logger.Info("server initialized, all dependencies ready",
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
		"attempt_history", attempts != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
