// Package kafka manages the Kafka/Redpanda topics notifications are
// published to and the producer that writes them.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicConfig defines the configuration for a Kafka topic.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	RetentionMs       int64
	CleanupPolicy     string
}

// DeadLetterTopic names the topic that receives notifications the
// publisher gave up on.
func DeadLetterTopic(topic string) string {
	return "dlq-" + topic
}

// NotificationTopics returns the notification topic and its dead-letter
// companion. Records are keyed by request id, so one request's
// notifications always land on the same partition.
func NotificationTopics(topic string, partitions int32) []TopicConfig {
	if partitions <= 0 {
		partitions = 6
	}
	return []TopicConfig{
		{
			Name:              topic,
			Partitions:        partitions,
			ReplicationFactor: 1,
			RetentionMs:       30 * 24 * 60 * 60 * 1000, // 30 days
			CleanupPolicy:     "delete",
		},
		{
			Name:              DeadLetterTopic(topic),
			Partitions:        1,
			ReplicationFactor: 1,
			RetentionMs:       30 * 24 * 60 * 60 * 1000,
			CleanupPolicy:     "delete",
		},
	}
}

// SplitBrokers turns a comma-separated broker list into seeds.
func SplitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicManager manages Kafka topics.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManager creates a new TopicManager.
func NewTopicManager(brokers string) (*TopicManager, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(SplitBrokers(brokers)...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &TopicManager{
		admin: kadm.NewClient(client),
	}, nil
}

// EnsureTopics creates topics if they don't exist.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs []TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, cfg := range configs {
		if existing.Has(cfg.Name) {
			continue
		}
		if err := m.CreateTopic(ctx, cfg); err != nil {
			return err
		}
	}

	return nil
}

// CreateTopic creates a single topic with the given configuration.
func (m *TopicManager) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   stringPtr(fmt.Sprintf("%d", cfg.RetentionMs)),
			"cleanup.policy": stringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}

	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}

	return nil
}

// Close releases resources.
func (m *TopicManager) Close() {
	m.admin.Close()
}

// WaitForTopic waits for a topic to be available.
func (m *TopicManager) WaitForTopic(ctx context.Context, topic string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		topics, err := m.admin.ListTopics(ctx, topic)
		if err == nil {
			if d, ok := topics[topic]; ok && d.Err == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("timeout waiting for topic %s", topic)
}

func stringPtr(s string) *string {
	return &s
}
