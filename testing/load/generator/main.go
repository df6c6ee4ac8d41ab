// Command generator publishes synthetic redemption notifications to NATS
// JetStream to load the status stream and its per-owner consumers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/ledger"
	pnats "github.com/marko911/bullion-redeem/internal/platform/nats"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

type Config struct {
	NATSUrl       string
	Rate          int
	Duration      time.Duration
	Owners        int
	BurstMode     bool
	BurstRatio    float64
	BurstPeriod   time.Duration
	SubjectPrefix string
	WorkerCount   int
}

var (
	venues = []redemption.Venue{redemption.VenueEVM, redemption.VenueSolana, redemption.VenuePermissioned}
	assets = []redemption.AssetKind{redemption.AssetGold, redemption.AssetSilver}

	outcomes = []struct {
		status    redemption.Status
		eventType string
	}{
		{redemption.StatusConfirmed, ledger.EventTypeConfirmed},
		{redemption.StatusFulfilled, ledger.EventTypeFulfilled},
		{redemption.StatusCancelled, ledger.EventTypeCancelled},
		{redemption.StatusFailed, ledger.EventTypeFailed},
	}
)

type Metrics struct {
	Published    atomic.Int64
	Errors       atomic.Int64
	BytesSent    atomic.Int64
	AvgLatencyNs atomic.Int64
}

func main() {
	cfg := parseFlags()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("generator failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags() Config {
	cfg := Config{}

	flag.StringVar(&cfg.NATSUrl, "nats", "nats://localhost:4222", "NATS server URL")
	flag.IntVar(&cfg.Rate, "rate", 200, "Notifications per second")
	flag.DurationVar(&cfg.Duration, "duration", time.Minute, "Test duration")
	flag.IntVar(&cfg.Owners, "owners", 50, "Number of distinct owners")
	flag.BoolVar(&cfg.BurstMode, "burst", false, "Enable burst mode")
	flag.Float64Var(&cfg.BurstRatio, "burst-ratio", 10.0, "Burst rate multiplier")
	flag.DurationVar(&cfg.BurstPeriod, "burst-period", 30*time.Second, "Time between bursts")
	flag.StringVar(&cfg.SubjectPrefix, "subject-prefix", pnats.DefaultSubjectPrefix, "Subject prefix")
	flag.IntVar(&cfg.WorkerCount, "workers", 4, "Number of publisher workers")

	flag.Parse()
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Owners <= 0 {
		cfg.Owners = 1
	}
	return cfg
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Info("starting notification generator",
		"rate", cfg.Rate,
		"duration", cfg.Duration,
		"owners", cfg.Owners,
		"burst_mode", cfg.BurstMode,
		"nats_url", cfg.NATSUrl,
	)

	natsCfg := pnats.DefaultConfig()
	natsCfg.URL = cfg.NATSUrl
	natsCfg.Name = "redeem-load-generator"
	natsCfg.MaxReconnects = 10
	natsCfg.Logger = logger

	client, err := pnats.Connect(ctx, natsCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	stream, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.RedemptionStreamConfig(cfg.SubjectPrefix))
	if err != nil {
		return err
	}
	if info, err := stream.Info(ctx); err == nil {
		logger.Info("connected to stream",
			"stream", info.Config.Name,
			"subjects", info.Config.Subjects,
		)
	}

	metrics := &Metrics{}
	go reportMetrics(ctx, metrics, logger)

	eventCh := make(chan *ledger.Notification, cfg.Rate*2)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			publishWorker(ctx, client, cfg, eventCh, metrics, logger, id)
		}(i)
	}

	err = generateEvents(ctx, cfg, eventCh, metrics, logger)

	close(eventCh)
	wg.Wait()

	logger.Info("generation complete",
		"published", metrics.Published.Load(),
		"errors", metrics.Errors.Load(),
		"bytes_sent", metrics.BytesSent.Load(),
	)

	if err == context.Canceled {
		return nil
	}
	return err
}

func generateEvents(ctx context.Context, cfg Config, eventCh chan<- *ledger.Notification, metrics *Metrics, logger *slog.Logger) error {
	endTime := time.Now().Add(cfg.Duration)
	ticker := time.NewTicker(time.Second / time.Duration(cfg.Rate))
	defer ticker.Stop()

	burstTicker := time.NewTicker(cfg.BurstPeriod)
	defer burstTicker.Stop()

	inBurst := false
	burstEndTime := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-burstTicker.C:
			if cfg.BurstMode && !inBurst {
				inBurst = true
				burstEndTime = time.Now().Add(5 * time.Second)
				logger.Info("burst started", "ratio", cfg.BurstRatio)
			}

		case <-ticker.C:
			if time.Now().After(endTime) {
				return nil
			}

			if inBurst && time.Now().After(burstEndTime) {
				inBurst = false
				logger.Info("burst ended")
			}

			count := 1
			if inBurst {
				count = int(cfg.BurstRatio)
			}

			for i := 0; i < count; i++ {
				select {
				case eventCh <- generateNotification(rand.Intn(cfg.Owners)):
				default:
					metrics.Errors.Add(1)
				}
			}
		}
	}
}

func generateNotification(owner int) *ledger.Notification {
	now := time.Now().UTC()
	out := outcomes[rand.Intn(len(outcomes))]
	venue := venues[rand.Intn(len(venues))]
	ref := randomHex(64)

	rec := &redemption.Request{
		ID:                  uuid.NewString(),
		OwnerID:             fmt.Sprintf("load-owner-%04d", owner),
		Venue:               venue,
		AssetKind:           assets[rand.Intn(len(assets))],
		Quantity:            decimal.New(int64(1+rand.Intn(1000)), -2),
		VenueRequestID:      fmt.Sprintf("%d", rand.Int63n(1e6)),
		SettlementReference: ref,
		Status:              out.status,
		Version:             int64(2 + rand.Intn(3)),
		CreatedAt:           now.Add(-time.Minute),
		UpdatedAt:           now,
	}
	return &ledger.Notification{
		EventID:             uuid.NewString(),
		EventType:           out.eventType,
		RequestID:           rec.ID,
		OwnerID:             rec.OwnerID,
		Status:              rec.Status,
		Venue:               rec.Venue,
		SettlementReference: ref,
		OccurredAt:          now,
		Snapshot:            rec,
	}
}

func publishWorker(ctx context.Context, client *pnats.Client, cfg Config, eventCh <-chan *ledger.Notification, metrics *Metrics, logger *slog.Logger, workerID int) {
	for n := range eventCh {
		if ctx.Err() != nil {
			continue
		}

		data, err := json.Marshal(n)
		if err != nil {
			metrics.Errors.Add(1)
			continue
		}

		subject := pnats.SubjectForNotification(cfg.SubjectPrefix, n.OwnerID, n.EventType)
		start := time.Now()

		if err := client.Publish(ctx, subject, data, n.EventID); err != nil {
			metrics.Errors.Add(1)
			if ctx.Err() == nil {
				logger.Warn("publish failed", "worker", workerID, "error", err)
			}
			continue
		}

		latency := time.Since(start).Nanoseconds()
		metrics.Published.Add(1)
		metrics.BytesSent.Add(int64(len(data)))

		current := metrics.AvgLatencyNs.Load()
		metrics.AvgLatencyNs.Store((current*9 + latency) / 10)
	}
}

func reportMetrics(ctx context.Context, metrics *Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var lastPublished int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			published := metrics.Published.Load()
			rate := (published - lastPublished) / 5
			lastPublished = published

			logger.Info("metrics",
				"published", published,
				"rate_per_sec", rate,
				"errors", metrics.Errors.Load(),
				"bytes_sent_mb", metrics.BytesSent.Load()/(1024*1024),
				"avg_latency_ms", float64(metrics.AvgLatencyNs.Load())/1e6,
			)
		}
	}
}

func randomHex(length int) string {
	const chars = "0123456789abcdef"
	b := make([]byte, length)
	for i := range b {
		b[i] = chars[rand.Intn(len(chars))]
	}
	return "0x" + string(b)
}
