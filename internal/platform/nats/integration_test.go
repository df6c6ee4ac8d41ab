//go:build integration

package nats_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	pnats "github.com/marko911/bullion-redeem/internal/platform/nats"
)

func TestNATSIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := pnats.DefaultConfig()
	cfg.Name = "integration-test"

	client, err := pnats.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer client.Close()

	stream, err := pnats.EnsureStream(ctx, client.JetStream(), pnats.RedemptionStreamConfig(""))
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}

	consumer, err := pnats.EnsureConsumer(ctx, stream, pnats.OwnerConsumerConfig("", "owner-it"))
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"eventId":   "evt-it-001",
		"requestId": "req-it",
		"status":    "confirmed",
	})

	subject := pnats.SubjectForNotification("", "owner-it", "redemption.confirmed")
	// Published twice with the same id; the stream keeps one copy.
	for i := 0; i < 2; i++ {
		if err := client.Publish(ctx, subject, payload, "evt-it-001"); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}
	other := pnats.SubjectForNotification("", "someone-else", "redemption.confirmed")
	if err := client.Publish(ctx, other, payload, "evt-it-002"); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	msgs, err := consumer.Fetch(5, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		t.Fatalf("Failed to fetch messages: %v", err)
	}

	count := 0
	for msg := range msgs.Messages() {
		var received map[string]any
		if err := json.Unmarshal(msg.Data(), &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		} else if received["eventId"] != "evt-it-001" {
			t.Errorf("eventId = %v", received["eventId"])
		}
		msg.Ack()
		count++
	}

	if count != 1 {
		t.Errorf("expected 1 message, got %d", count)
	}
}
