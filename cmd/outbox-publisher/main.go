// Command outbox-publisher polls the notification outbox and publishes
// each row to Kafka, fans it out over NATS JetStream and archives terminal
// notifications to object storage.
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

	"github.com/marko911/bullion-redeem/internal/platform/archive"
	"github.com/marko911/bullion-redeem/internal/platform/kafka"
	pnats "github.com/marko911/bullion-redeem/internal/platform/nats"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
)

func main() {
	var (
		dbDSN      = flag.String("db", envOrDefault("DATABASE_URL", ""), "PostgreSQL connection string (overrides -db-* flags)")
		dbHost     = flag.String("db-host", envOrDefault("DB_HOST", "localhost"), "Database host")
		dbPort     = flag.Int("db-port", envOrDefaultInt("DB_PORT", 5432), "Database port")
		dbUser     = flag.String("db-user", envOrDefault("DB_USER", "redeem"), "Database user")
		dbPassword = flag.String("db-password", envOrDefault("DB_PASSWORD", "redeem_dev"), "Database password")
		dbName     = flag.String("db-name", envOrDefault("DB_NAME", "redeem"), "Database name")

		brokers      = flag.String("brokers", envOrDefault("KAFKA_BROKERS", "localhost:9092"), "Kafka/Redpanda brokers (comma-separated)")
		topic        = flag.String("topic", envOrDefault("KAFKA_TOPIC", storage.DefaultTopic), "Notification topic to ensure on start")
		partitions   = flag.Int("partitions", envOrDefaultInt("KAFKA_PARTITIONS", 6), "Partitions for a newly created topic")
		pollInterval = flag.Duration("poll-interval", 100*time.Millisecond, "Polling interval for new messages")
		batchSize    = flag.Int("batch-size", 100, "Maximum messages to fetch per poll")
		staleAfter   = flag.Duration("stale-after", 5*time.Minute, "Return rows stuck in processing to pending after this long")

		natsEnabled   = flag.Bool("nats-enabled", envOrDefaultBool("NATS_ENABLED", true), "Fan notifications out over NATS JetStream")
		natsURL       = flag.String("nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")
		subjectPrefix = flag.String("subject-prefix", envOrDefault("NATS_SUBJECT_PREFIX", pnats.DefaultSubjectPrefix), "NATS subject prefix")

		archiveEnabled = flag.Bool("archive-enabled", envOrDefaultBool("ARCHIVE_ENABLED", true), "Archive terminal notifications to S3/MinIO")
		minioEndpoint  = flag.String("minio-endpoint", envOrDefault("MINIO_ENDPOINT", "localhost:9000"), "MinIO endpoint")
		minioBucket    = flag.String("minio-bucket", envOrDefault("MINIO_BUCKET", "redemption-archive"), "Archive bucket")
		minioAccess    = flag.String("minio-access-key", envOrDefault("MINIO_ACCESS_KEY", "minioadmin"), "MinIO access key")
		minioSecret    = flag.String("minio-secret-key", envOrDefault("MINIO_SECRET_KEY", "minioadmin"), "MinIO secret key")
		minioSSL       = flag.Bool("minio-ssl", envOrDefaultBool("MINIO_USE_SSL", false), "Use TLS for MinIO")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	topics, err := kafka.NewTopicManager(*brokers)
	if err != nil {
		logger.Error("failed to create topic manager", "error", err)
		os.Exit(1)
	}
	if err := topics.EnsureTopics(ctx, kafka.NotificationTopics(*topic, int32(*partitions))); err != nil {
		logger.Warn("could not ensure topics, relying on broker auto-create", "error", err)
	}
	topics.Close()

	prod, err := kafka.NewProducer(*brokers)
	if err != nil {
		logger.Error("failed to create producer", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		if err := prod.Close(flushCtx); err != nil {
			logger.Error("error flushing Kafka messages", "error", err)
		}
	}()

	var fan fanout
	if *natsEnabled {
		natsCfg := pnats.DefaultConfig()
		natsCfg.URL = *natsURL
		natsCfg.Name = "outbox-publisher"
		natsCfg.Logger = logger

		nc, err := pnats.Connect(ctx, natsCfg)
		if err != nil {
			logger.Error("nats connect", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		streamCfg := pnats.RedemptionStreamConfig(*subjectPrefix)
		if _, err := pnats.EnsureStream(ctx, nc.JetStream(), streamCfg); err != nil {
			logger.Error("ensure nats stream", "error", err)
			os.Exit(1)
		}
		fan = nc
		logger.Info("NATS JetStream initialized", "url", *natsURL, "stream", streamCfg.Name)
	}

	var arc archiver
	if *archiveEnabled {
		a, err := archive.New(ctx, archive.Config{
			Endpoint:  *minioEndpoint,
			Bucket:    *minioBucket,
			AccessKey: *minioAccess,
			SecretKey: *minioSecret,
			UseSSL:    *minioSSL,
		}, logger)
		if err != nil {
			logger.Error("archive init", "error", err)
			os.Exit(1)
		}
		arc = a
		logger.Info("archive initialized", "endpoint", *minioEndpoint, "bucket", *minioBucket)
	}

	publisher := NewPublisher(PublisherConfig{
		PollInterval:  *pollInterval,
		BatchSize:     *batchSize,
		StaleAfter:    *staleAfter,
		SubjectPrefix: *subjectPrefix,
	}, storage.NewOutboxRepository(db), prod, fan, arc, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting outbox publisher",
		"brokers", *brokers,
		"topic", *topic,
		"nats_enabled", *natsEnabled,
		"archive_enabled", *archiveEnabled,
	)

	if err := publisher.Run(ctx); err != nil {
		logger.Error("publisher error", "error", err)
		os.Exit(1)
	}
	logger.Info("outbox publisher stopped")
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

func envOrDefaultBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1" || val == "yes"
	}
	return defaultVal
}
