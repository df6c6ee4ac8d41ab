// Command reconciler re-checks settled redemptions against their venues.
// A settlement reference the venue no longer reports as final and
// successful halts the service until an operator resolves it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/marko911/bullion-redeem/internal/config"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
	"github.com/marko911/bullion-redeem/internal/venues"
)

func main() {
	var (
		configPath = flag.String("config", envOrDefault("REDEEM_CONFIG", ""), "Path to the service file")

		dbDSN      = flag.String("db", envOrDefault("DATABASE_URL", ""), "PostgreSQL connection string (overrides -db-* flags)")
		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "redeem"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "redeem_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "redeem"), "Database name")

		reconcileInterval = flag.Duration("reconcile-interval", 30*time.Second, "Reconciliation interval")
		batchSize         = flag.Int("batch-size", 100, "Max redemptions per reconcile cycle")
		lookback          = flag.Duration("lookback", 24*time.Hour, "How far back settled redemptions are re-checked")
		maxStrikes        = flag.Int("max-strikes", 3, "Cycles a reference may stay unsettled before it is a mismatch")
		failClosed        = flag.Bool("fail-closed", true, "Halt on reconciliation mismatch")

		metricsAddr = flag.String("metrics-addr", envOrDefault("METRICS_ADDR", ":9093"), "Address for health and metrics")
		logLevel    = flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	)
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcCfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load service file", "error", err)
		os.Exit(1)
	}

	db, err := storage.New(ctx, storage.Config{
		DSN:      *dbDSN,
		Host:     *dbHost,
		Port:     *dbPort,
		User:     *dbUser,
		Password: *dbPassword,
		Database: *dbName,
		SSLMode:  "disable",
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := db.Migrate(ctx); err != nil {
		slog.Error("failed to run database migrations", "error", err)
		os.Exit(1)
	}

	registry, closeVenues, err := venues.Build(ctx, svcCfg, logger)
	if err != nil {
		slog.Error("failed to connect venues", "error", err)
		os.Exit(1)
	}
	defer closeVenues()

	reconciler := NewReconciler(ReconcilerConfig{
		ReconcileInterval: *reconcileInterval,
		BatchSize:         *batchSize,
		Lookback:          *lookback,
		MaxStrikes:        *maxStrikes,
		FailClosed:        *failClosed,
		MetricsAddr:       *metricsAddr,
	}, storage.NewRedemptionRepository(db, svcCfg.Notifications.Topic), registry, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	runErr := reconciler.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := reconciler.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	if runErr != nil && ctx.Err() == nil {
		slog.Error("reconciler error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("reconciler shutdown complete")
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
