package kafka

import (
	"reflect"
	"testing"
)

func TestNotificationTopics(t *testing.T) {
	topics := NotificationTopics("redemption-events", 0)
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
	if topics[0].Name != "redemption-events" || topics[0].Partitions != 6 {
		t.Errorf("main topic = %+v", topics[0])
	}
	if topics[1].Name != "dlq-redemption-events" {
		t.Errorf("dead-letter topic = %s", topics[1].Name)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" a:9092, b:9092,,")
	want := []string{"a:9092", "b:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitBrokers = %v, want %v", got, want)
	}
}

func TestBuildRecord(t *testing.T) {
	r := buildRecord(Message{
		Topic:   "redemption-events",
		Key:     "req-1",
		Value:   []byte(`{}`),
		Headers: map[string]string{"event_type": "redemption.confirmed"},
	})
	if string(r.Key) != "req-1" || r.Topic != "redemption-events" {
		t.Errorf("record = %+v", r)
	}
	if len(r.Headers) != 1 || r.Headers[0].Key != "event_type" || string(r.Headers[0].Value) != "redemption.confirmed" {
		t.Errorf("headers = %+v", r.Headers)
	}
}
