package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/bullion-redeem/internal/platform/nats"
)

// NATSFeed reads owner notifications from the JetStream stream the outbox
// publisher writes to. Each subscriber gets its own ephemeral consumer.
type NATSFeed struct {
	client *pnats.Client
	stream jetstream.Stream
	prefix string
	logger *slog.Logger
}

// NewNATSFeed ensures the stream exists.
func NewNATSFeed(ctx context.Context, client *pnats.Client, prefix string, logger *slog.Logger) (*NATSFeed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := pnats.RedemptionStreamConfig(prefix)
	stream, err := pnats.EnsureStream(ctx, client.JetStream(), cfg)
	if err != nil {
		return nil, err
	}
	return &NATSFeed{
		client: client,
		stream: stream,
		prefix: prefix,
		logger: logger.With("component", "nats-feed", "stream", cfg.Name),
	}, nil
}

// Subscribe implements Feed.
func (f *NATSFeed) Subscribe(ctx context.Context, ownerID string, deliver func([]byte)) (func(), error) {
	consumer, err := pnats.EnsureConsumer(ctx, f.stream, pnats.OwnerConsumerConfig(f.prefix, ownerID))
	if err != nil {
		return nil, err
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		deliver(msg.Data())
		if err := msg.Ack(); err != nil {
			f.logger.Debug("ack failed", "subject", msg.Subject(), "error", err)
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		f.logger.Warn("consume error", "owner_id", ownerID, "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", ownerID, err)
	}

	return cc.Stop, nil
}

// Ready reports whether the NATS connection is up.
func (f *NATSFeed) Ready(context.Context) error {
	if !f.client.IsConnected() {
		return fmt.Errorf("nats disconnected")
	}
	return nil
}
