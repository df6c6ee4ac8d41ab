package nats

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.URL != "nats://localhost:4222" {
		t.Errorf("expected default URL nats://localhost:4222, got %s", cfg.URL)
	}
	if cfg.MaxReconnects != -1 {
		t.Errorf("expected unlimited reconnects (-1), got %d", cfg.MaxReconnects)
	}
	if cfg.ReconnectWait != 2*time.Second {
		t.Errorf("expected 2s reconnect wait, got %v", cfg.ReconnectWait)
	}
}

func TestRedemptionStreamConfig(t *testing.T) {
	cfg := RedemptionStreamConfig("")

	if cfg.Name != "REDEMPTIONS" {
		t.Errorf("expected stream name REDEMPTIONS, got %s", cfg.Name)
	}
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "redemptions.events.>" {
		t.Errorf("expected subjects [redemptions.events.>], got %v", cfg.Subjects)
	}
	if cfg.Duplicates == 0 {
		t.Error("expected a dedupe window")
	}

	custom := RedemptionStreamConfig("staging.redemptions")
	if custom.Subjects[0] != "staging.redemptions.>" {
		t.Errorf("custom prefix subjects = %v", custom.Subjects)
	}
}

func TestSubjectForNotification(t *testing.T) {
	tests := []struct {
		owner     string
		eventType string
		expected  string
	}{
		{"owner-1", "redemption.confirmed", "redemptions.events.owner-1.redemption_confirmed"},
		{"alice@example.com", "redemption.failed", "redemptions.events.alice@example_com.redemption_failed"},
		{"a*b>c", "x", "redemptions.events.a_b_c.x"},
		{"", "x", "redemptions.events._.x"},
	}

	for _, tt := range tests {
		got := SubjectForNotification("", tt.owner, tt.eventType)
		if got != tt.expected {
			t.Errorf("SubjectForNotification(%q, %q) = %q, want %q", tt.owner, tt.eventType, got, tt.expected)
		}
	}
}

func TestSubjectForOwner(t *testing.T) {
	got := SubjectForOwner("", "owner-1")
	if got != "redemptions.events.owner-1.>" {
		t.Errorf("SubjectForOwner = %q", got)
	}
}

func TestOwnerConsumerConfig(t *testing.T) {
	cfg := OwnerConsumerConfig("", "owner-1")

	if cfg.Durable {
		t.Error("owner consumers are ephemeral")
	}
	if cfg.FilterSubject != "redemptions.events.owner-1.>" {
		t.Errorf("filter = %s", cfg.FilterSubject)
	}
	if cfg.InactiveThreshold == 0 {
		t.Error("expected an inactivity threshold")
	}
}
