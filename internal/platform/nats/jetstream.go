package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultSubjectPrefix roots every notification subject.
const DefaultSubjectPrefix = "redemptions.events"

// StreamConfig defines the configuration for a JetStream stream.
type StreamConfig struct {
	Name        string
	Subjects    []string
	Retention   jetstream.RetentionPolicy
	MaxAge      time.Duration // 0 = unlimited
	MaxMsgs     int64         // 0 = unlimited
	MaxBytes    int64         // 0 = unlimited
	Duplicates  time.Duration // dedupe window for Nats-Msg-Id
	Replicas    int
	Description string
}

// RedemptionStreamConfig returns the stream that captures every
// notification published under prefix.
func RedemptionStreamConfig(prefix string) StreamConfig {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return StreamConfig{
		Name:        "REDEMPTIONS",
		Subjects:    []string{prefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Duplicates:  10 * time.Minute,
		Replicas:    1,
		Description: "Redemption lifecycle notifications for live subscribers",
	}
}

// EnsureStream creates or updates a stream. It is idempotent.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    cfg.Subjects,
		Retention:   cfg.Retention,
		MaxAge:      cfg.MaxAge,
		MaxMsgs:     cfg.MaxMsgs,
		MaxBytes:    cfg.MaxBytes,
		Duplicates:  cfg.Duplicates,
		Replicas:    cfg.Replicas,
		Description: cfg.Description,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// ConsumerConfig defines the configuration for a JetStream consumer.
type ConsumerConfig struct {
	Name          string
	Durable       bool
	FilterSubject string
	DeliverPolicy jetstream.DeliverPolicy
	AckPolicy     jetstream.AckPolicy
	AckWait       time.Duration
	MaxDeliver    int // -1 = unlimited
	MaxAckPending int

	// InactiveThreshold removes an ephemeral consumer once nobody pulls from it.
	InactiveThreshold time.Duration
}

// OwnerConsumerConfig returns an ephemeral consumer that sees only the
// owner's notifications from now on. One is created per live subscriber.
func OwnerConsumerConfig(prefix, ownerID string) ConsumerConfig {
	return ConsumerConfig{
		FilterSubject:     SubjectForOwner(prefix, ownerID),
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           30 * time.Second,
		MaxDeliver:        3,
		MaxAckPending:     256,
		InactiveThreshold: time.Minute,
	}
}

// EnsureConsumer creates or updates a consumer on the given stream. A
// durable consumer is keyed by its name.
func EnsureConsumer(ctx context.Context, stream jetstream.Stream, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:              cfg.Name,
		DeliverPolicy:     cfg.DeliverPolicy,
		AckPolicy:         cfg.AckPolicy,
		AckWait:           cfg.AckWait,
		MaxDeliver:        cfg.MaxDeliver,
		MaxAckPending:     cfg.MaxAckPending,
		FilterSubject:     cfg.FilterSubject,
		InactiveThreshold: cfg.InactiveThreshold,
	}
	if cfg.Durable {
		consumerCfg.Durable = cfg.Name
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %q: %w", cfg.Name, err)
	}

	return consumer, nil
}

// SubjectForNotification returns <prefix>.<owner>.<event_type>.
func SubjectForNotification(prefix, ownerID, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, token(ownerID), token(eventType))
}

// SubjectForOwner returns the wildcard subject for one owner's notifications.
func SubjectForOwner(prefix, ownerID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s.>", prefix, token(ownerID))
}

// token makes s usable as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
