package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/marko911/bullion-redeem/internal/ledger"
	"github.com/marko911/bullion-redeem/internal/platform/kafka"
	pnats "github.com/marko911/bullion-redeem/internal/platform/nats"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
)

// PublisherConfig tunes the polling loop.
type PublisherConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	StaleAfter    time.Duration
	SubjectPrefix string
}

type outboxStore interface {
	FetchPendingMessages(ctx context.Context, limit int) ([]storage.OutboxMessage, error)
	MarkAsProcessing(ctx context.Context, ids []int64) ([]int64, error)
	MarkAsPublished(ctx context.Context, ids []int64) error
	MarkAsFailed(ctx context.Context, id int64, errMsg string) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type producer interface {
	Produce(ctx context.Context, m kafka.Message) error
}

type fanout interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

type archiver interface {
	Put(ctx context.Context, n *ledger.Notification) error
}

// Publisher moves outbox rows to Kafka, fans them out over NATS and
// archives terminal ones. Kafka and the archive must both succeed for a
// row to be marked published; NATS fanout is best effort.
type Publisher struct {
	cfg     PublisherConfig
	repo    outboxStore
	kafka   producer
	nats    fanout   // optional
	archive archiver // optional
	logger  *slog.Logger
}

// NewPublisher wires a publisher. nats and archive may be nil.
func NewPublisher(cfg PublisherConfig, repo outboxStore, kafka producer, nats fanout, archive archiver, logger *slog.Logger) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:     cfg,
		repo:    repo,
		kafka:   kafka,
		nats:    nats,
		archive: archive,
		logger:  logger.With("component", "outbox-publisher"),
	}
}

// Run polls until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("starting publisher polling loop",
		"poll_interval", p.cfg.PollInterval,
		"batch_size", p.cfg.BatchSize,
	)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(p.cfg.StaleAfter)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-staleTicker.C:
			if n, err := p.repo.ReleaseStale(ctx, p.cfg.StaleAfter); err != nil {
				p.logger.Error("release stale messages", "error", err)
			} else if n > 0 {
				p.logger.Warn("released stale messages", "count", n)
			}
		case <-ticker.C:
			if err := p.pollAndPublish(ctx); err != nil {
				p.logger.Error("poll and publish error", "error", err)
			}
		}
	}
}

type publishResult struct {
	msg storage.OutboxMessage
	err error
}

func (p *Publisher) pollAndPublish(ctx context.Context) error {
	messages, err := p.repo.FetchPendingMessages(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.ID
	}

	claimed, err := p.repo.MarkAsProcessing(ctx, ids)
	if err != nil {
		return fmt.Errorf("mark as processing: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	claimedSet := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
	}

	// One goroutine per request keeps each request's notifications in order.
	byRequest := make(map[string][]storage.OutboxMessage)
	var order []string
	for _, msg := range messages {
		if !claimedSet[msg.ID] {
			continue
		}
		if _, ok := byRequest[msg.RequestID]; !ok {
			order = append(order, msg.RequestID)
		}
		byRequest[msg.RequestID] = append(byRequest[msg.RequestID], msg)
	}

	var wg sync.WaitGroup
	results := make(chan publishResult, len(claimed))
	for _, reqID := range order {
		wg.Add(1)
		go func(msgs []storage.OutboxMessage) {
			defer wg.Done()
			for i, msg := range msgs {
				err := p.publishMessage(ctx, msg)
				results <- publishResult{msg: msg, err: err}
				if err != nil {
					// Later notifications for the request wait for the next poll.
					for _, rest := range msgs[i+1:] {
						results <- publishResult{msg: rest, err: fmt.Errorf("held behind event %s", msg.EventID)}
					}
					return
				}
			}
		}(byRequest[reqID])
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var published []int64
	for r := range results {
		if r.err == nil {
			published = append(published, r.msg.ID)
			continue
		}
		p.logger.Error("failed to publish message",
			"id", r.msg.ID,
			"event_id", r.msg.EventID,
			"request_id", r.msg.RequestID,
			"error", r.err,
		)
		if err := p.repo.MarkAsFailed(ctx, r.msg.ID, r.err.Error()); err != nil {
			p.logger.Error("failed to mark message as failed", "id", r.msg.ID, "error", err)
		}
		if r.msg.RetryCount+1 >= r.msg.MaxRetries {
			p.deadLetter(ctx, r.msg, r.err)
		}
	}

	if len(published) > 0 {
		if err := p.repo.MarkAsPublished(ctx, published); err != nil {
			return fmt.Errorf("mark as published: %w", err)
		}
		p.logger.Info("published messages", "count", len(published))
	}
	return nil
}

func (p *Publisher) publishMessage(ctx context.Context, msg storage.OutboxMessage) error {
	var n ledger.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	if err := p.kafka.Produce(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     msg.PartitionKey,
		Value:   msg.Payload,
		Headers: headers(msg),
	}); err != nil {
		return err
	}

	if p.archive != nil && n.Terminal() {
		if err := p.archive.Put(ctx, &n); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}

	if p.nats != nil {
		subject := pnats.SubjectForNotification(p.cfg.SubjectPrefix, msg.OwnerID, msg.EventType)
		if err := p.nats.Publish(ctx, subject, msg.Payload, msg.EventID); err != nil {
			p.logger.Warn("NATS publish failed", "event_id", msg.EventID, "error", err)
		}
	}

	return nil
}

// deadLetter copies a message that ran out of retries to the dead-letter
// topic. The outbox row stays as the system of record.
func (p *Publisher) deadLetter(ctx context.Context, msg storage.OutboxMessage, cause error) {
	h := headers(msg)
	h["error"] = cause.Error()
	err := p.kafka.Produce(ctx, kafka.Message{
		Topic:   kafka.DeadLetterTopic(msg.Topic),
		Key:     msg.PartitionKey,
		Value:   msg.Payload,
		Headers: h,
	})
	if err != nil {
		p.logger.Error("dead-letter publish failed", "event_id", msg.EventID, "error", err)
		return
	}
	p.logger.Warn("message dead-lettered", "event_id", msg.EventID, "retries", msg.RetryCount+1)
}

func headers(msg storage.OutboxMessage) map[string]string {
	return map[string]string{
		"event_id":   msg.EventID,
		"event_type": msg.EventType,
		"request_id": msg.RequestID,
		"owner_id":   msg.OwnerID,
		"retry":      strconv.Itoa(int(msg.RetryCount)),
	}
}
