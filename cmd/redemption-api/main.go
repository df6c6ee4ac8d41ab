// Command redemption-api serves the redemption API and runs the finality
// watches for every request in flight.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/api"
	"github.com/marko911/bullion-redeem/internal/config"
	"github.com/marko911/bullion-redeem/internal/history"
	"github.com/marko911/bullion-redeem/internal/ledger"
	"github.com/marko911/bullion-redeem/internal/orchestrator"
	pnats "github.com/marko911/bullion-redeem/internal/platform/nats"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
	"github.com/marko911/bullion-redeem/internal/redemption"
	"github.com/marko911/bullion-redeem/internal/venues"
)

// Config holds process flags. The service file is loaded separately.
type Config struct {
	ConfigPath string
	Store      string
	ListenAddr string
	LogLevel   string

	DB storage.Config

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSEnabled bool
	NATSURL     string

	JWTSecret      string
	JWTIssuer      string
	OperatorToken  string
	AllowedOrigins []string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ConfigPath, "config", envOrDefault("REDEEM_CONFIG", ""), "Service configuration file (YAML)")
	flag.StringVar(&cfg.Store, "store", envOrDefault("REDEEM_STORE", "postgres"), "Ledger store: memory or postgres")
	flag.StringVar(&cfg.ListenAddr, "listen", envOrDefault("API_LISTEN_ADDR", ":8080"), "HTTP listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.DB.DSN, "db", envOrDefault("DATABASE_URL", ""), "PostgreSQL connection string (overrides -db-* flags)")
	flag.StringVar(&cfg.DB.Host, "db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
	flag.IntVar(&cfg.DB.Port, "db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
	flag.StringVar(&cfg.DB.User, "db-user", envOrDefault("DB_USER", "redeem"), "Database user")
	flag.StringVar(&cfg.DB.Password, "db-password", envOrDefault("DB_PASSWORD", "redeem_dev"), "Database password")
	flag.StringVar(&cfg.DB.Database, "db-name", envOrDefault("DB_NAME", "redeem"), "Database name")
	flag.StringVar(&cfg.DB.SSLMode, "db-sslmode", envOrDefault("DB_SSLMODE", "disable"), "Database SSL mode")

	flag.StringVar(&cfg.RedisAddr, "redis-addr", envOrDefault("REDIS_ADDR", "localhost:6379"), "Redis address for the history cache (empty disables)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", envOrDefault("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envOrDefaultInt("REDIS_DB", 0), "Redis database number")

	flag.BoolVar(&cfg.NATSEnabled, "nats-enabled", envOrDefaultBool("NATS_ENABLED", true), "Serve the status stream from NATS JetStream")
	flag.StringVar(&cfg.NATSURL, "nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")

	flag.StringVar(&cfg.JWTSecret, "jwt-secret", envOrDefault("JWT_SECRET", ""), "HMAC secret for caller tokens")
	flag.StringVar(&cfg.JWTIssuer, "jwt-issuer", envOrDefault("JWT_ISSUER", ""), "Required token issuer (optional)")
	flag.StringVar(&cfg.OperatorToken, "operator-token", envOrDefault("OPERATOR_TOKEN", ""), "Token for fulfillment endpoints (empty disables them)")
	wsOrigins := flag.String("ws-allowed-origins", envOrDefault("WS_ALLOWED_ORIGINS", "*"), "Comma-separated WebSocket origins, or '*' for all")

	flag.DurationVar(&cfg.ReadTimeout, "read-timeout", 10*time.Second, "HTTP read timeout")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", 75*time.Second, "HTTP write timeout (covers ?wait)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	flag.Parse()

	cfg.AllowedOrigins = parseOrigins(*wsOrigins)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.JWTSecret == "" {
		return errors.New("jwt secret is required (-jwt-secret or JWT_SECRET)")
	}

	svcCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}

	var apiOpts []api.Option

	// Ledger store and the history sources that sit next to it.
	var (
		store   ledger.Store
		sources []history.Source
	)
	switch cfg.Store {
	case "memory":
		store = ledger.NewMemoryStore()
		logger.Warn("using in-memory ledger; records are lost on exit")
	case "postgres":
		db, err := storage.New(ctx, cfg.DB)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()

		applied, err := db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database ready", "host", cfg.DB.Host, "database", cfg.DB.Database, "migrations_applied", applied)

		store = storage.NewRedemptionRepository(db, svcCfg.Notifications.Topic)
		activity := storage.NewActivityRepository(db)
		sources = append(sources, history.PurchaseSource{Activity: activity}, history.TransferSource{Activity: activity})
		apiOpts = append(apiOpts, api.WithReadinessCheck("database", db.Health))
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}

	var histOpts []history.Option
	histOpts = append(histOpts, history.WithLogger(logger))
	if svcCfg.History.CacheEnabled && cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, history cache disabled", "addr", cfg.RedisAddr, "error", err)
			rdb.Close()
		} else {
			defer rdb.Close()
			histOpts = append(histOpts, history.WithCache(history.NewRedisCache(rdb, svcCfg.History.CachePrefix, svcCfg.History.CacheTTL)))
			apiOpts = append(apiOpts, api.WithReadinessCheck("redis", func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}))
			logger.Info("history cache enabled", "addr", cfg.RedisAddr, "ttl", svcCfg.History.CacheTTL)
		}
	}

	var feed *history.Aggregator
	l := ledger.New(store,
		ledger.WithLogger(logger),
		ledger.WithCommitHook(func(ctx context.Context, rec *redemption.Request) {
			feed.Invalidate(ctx, rec.OwnerID)
		}),
	)
	sources = append([]history.Source{history.RedemptionSource{Ledger: l}}, sources...)
	feed = history.NewAggregator(sources, histOpts...)

	registry, closeVenues, err := venues.Build(ctx, svcCfg, logger)
	if err != nil {
		return err
	}
	defer closeVenues()

	keys := adapter.NewKeyring()
	if svcCfg.Keyring != "" {
		if keys, err = adapter.LoadKeyring(svcCfg.Keyring); err != nil {
			return err
		}
	} else {
		logger.Warn("no keyring configured; every redemption will be rejected for missing keys")
	}

	orch := orchestrator.New(l, registry, keys,
		orchestrator.WithLogger(logger),
		orchestrator.WithHistory(feed),
		orchestrator.WithWatcherOptions(svcCfg.WatcherOptions()...),
	)

	resumed, err := orch.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume watches: %w", err)
	}
	logger.Info("orchestrator ready", "venues", registry.Venues(), "resumed", resumed)

	if cfg.NATSEnabled {
		natsCfg := pnats.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.Name = "redemption-api"
		natsCfg.Logger = logger

		nc, err := pnats.Connect(ctx, natsCfg)
		if err != nil {
			logger.Warn("NATS unavailable, status stream disabled", "url", cfg.NATSURL, "error", err)
		} else {
			defer nc.Close()
			natsFeed, err := api.NewNATSFeed(ctx, nc, svcCfg.Notifications.SubjectPrefix, logger)
			if err != nil {
				return err
			}
			apiOpts = append(apiOpts,
				api.WithStream(api.NewStreamHandler(natsFeed, cfg.AllowedOrigins, logger)),
				api.WithReadinessCheck("nats", natsFeed.Ready),
			)
			logger.Info("status stream enabled", "url", cfg.NATSURL, "subject_prefix", svcCfg.Notifications.SubjectPrefix)
		}
	}

	apiOpts = append(apiOpts, api.WithLogger(logger), api.WithOperatorToken(cfg.OperatorToken))
	server := api.NewServer(orch, api.NewAuthenticator(api.AuthConfig{
		HMACSecret: cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
	}), apiOpts...)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting redemption API", "addr", cfg.ListenAddr, "store", cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	// In-flight watches stop without writing; Resume picks them up next start.
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", "error", err)
	}

	logger.Info("redemption API stopped")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func parseOrigins(origins string) []string {
	origins = strings.TrimSpace(origins)
	if origins == "" || origins == "*" {
		return nil
	}
	var result []string
	for _, p := range strings.Split(origins, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
