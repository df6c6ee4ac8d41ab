package main

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marko911/bullion-redeem/internal/ledger"
	"github.com/marko911/bullion-redeem/internal/platform/kafka"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

type fakeOutbox struct {
	mu        sync.Mutex
	pending   []storage.OutboxMessage
	published []int64
	failed    map[int64]string
}

func (f *fakeOutbox) FetchPendingMessages(context.Context, int) ([]storage.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeOutbox) MarkAsProcessing(_ context.Context, ids []int64) ([]int64, error) {
	return ids, nil
}

func (f *fakeOutbox) MarkAsPublished(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ids...)
	return nil
}

func (f *fakeOutbox) MarkAsFailed(_ context.Context, id int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = msg
	return nil
}

func (f *fakeOutbox) ReleaseStale(context.Context, time.Duration) (int64, error) { return 0, nil }

type fakeProducer struct {
	mu      sync.Mutex
	records []kafka.Message
	failFor map[string]error // by request id
}

func (f *fakeProducer) Produce(_ context.Context, m kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[m.Key]; err != nil && m.Topic != kafka.DeadLetterTopic(storage.DefaultTopic) {
		return err
	}
	f.records = append(f.records, m)
	return nil
}

type fakeFanout struct {
	mu       sync.Mutex
	subjects []string
	ids      []string
}

func (f *fakeFanout) Publish(_ context.Context, subject string, _ []byte, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.ids = append(f.ids, msgID)
	return nil
}

type fakeArchive struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, n *ledger.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, n.RequestID+"/"+string(n.Status))
	return nil
}

func outboxMessage(t *testing.T, id int64, reqID string, status redemption.Status, eventType string) storage.OutboxMessage {
	t.Helper()
	payload, err := json.Marshal(ledger.Notification{
		EventID:   "evt-" + reqID + "-" + string(status),
		EventType: eventType,
		RequestID: reqID,
		OwnerID:   "owner-1",
		Status:    status,
	})
	if err != nil {
		t.Fatal(err)
	}
	return storage.OutboxMessage{
		ID:           id,
		EventID:      "evt-" + reqID + "-" + string(status),
		Topic:        storage.DefaultTopic,
		PartitionKey: reqID,
		Payload:      payload,
		RequestID:    reqID,
		OwnerID:      "owner-1",
		EventType:    eventType,
		MaxRetries:   3,
	}
}

func TestPublisher_PublishesBatch(t *testing.T) {
	repo := &fakeOutbox{failed: map[int64]string{}}
	repo.pending = []storage.OutboxMessage{
		outboxMessage(t, 1, "req-1", redemption.StatusConfirmed, ledger.EventTypeConfirmed),
		outboxMessage(t, 2, "req-1", redemption.StatusFulfilled, ledger.EventTypeFulfilled),
		outboxMessage(t, 3, "req-2", redemption.StatusFailed, ledger.EventTypeFailed),
	}
	prod := &fakeProducer{}
	fan := &fakeFanout{}
	arc := &fakeArchive{}

	p := NewPublisher(PublisherConfig{}, repo, prod, fan, arc, nil)
	if err := p.pollAndPublish(context.Background()); err != nil {
		t.Fatalf("pollAndPublish: %v", err)
	}

	sort.Slice(repo.published, func(i, j int) bool { return repo.published[i] < repo.published[j] })
	if len(repo.published) != 3 {
		t.Fatalf("published = %v", repo.published)
	}
	if len(prod.records) != 3 {
		t.Fatalf("kafka records = %d", len(prod.records))
	}

	// req-1's notifications keep their order.
	var req1 []string
	for _, r := range prod.records {
		if r.Key == "req-1" {
			req1 = append(req1, r.Headers["event_type"])
		}
	}
	if len(req1) != 2 || req1[0] != ledger.EventTypeConfirmed || req1[1] != ledger.EventTypeFulfilled {
		t.Errorf("req-1 order = %v", req1)
	}

	// Confirmed is not terminal and is not archived.
	sort.Strings(arc.keys)
	if len(arc.keys) != 2 || arc.keys[0] != "req-1/fulfilled" || arc.keys[1] != "req-2/failed" {
		t.Errorf("archived = %v", arc.keys)
	}

	if len(fan.subjects) != 3 {
		t.Fatalf("fanout = %v", fan.subjects)
	}
	for _, s := range fan.subjects {
		if !strings.HasPrefix(s, "redemptions.events.owner-1.redemption_") {
			t.Errorf("subject = %s", s)
		}
	}
	for _, id := range fan.ids {
		if !strings.HasPrefix(id, "evt-") {
			t.Errorf("msg id = %s, want the event id", id)
		}
	}
}

func TestPublisher_FailureHoldsLaterEvents(t *testing.T) {
	repo := &fakeOutbox{failed: map[int64]string{}}
	repo.pending = []storage.OutboxMessage{
		outboxMessage(t, 1, "req-1", redemption.StatusConfirmed, ledger.EventTypeConfirmed),
		outboxMessage(t, 2, "req-1", redemption.StatusFulfilled, ledger.EventTypeFulfilled),
		outboxMessage(t, 3, "req-2", redemption.StatusConfirmed, ledger.EventTypeConfirmed),
	}
	prod := &fakeProducer{failFor: map[string]error{"req-1": errors.New("broker down")}}

	p := NewPublisher(PublisherConfig{}, repo, prod, nil, nil, nil)
	if err := p.pollAndPublish(context.Background()); err != nil {
		t.Fatalf("pollAndPublish: %v", err)
	}

	if len(repo.published) != 1 || repo.published[0] != 3 {
		t.Errorf("published = %v", repo.published)
	}
	if _, ok := repo.failed[1]; !ok {
		t.Error("message 1 should be marked failed")
	}
	if _, ok := repo.failed[2]; !ok {
		t.Error("message 2 should be held behind message 1")
	}
}

func TestPublisher_ArchiveFailureFailsMessage(t *testing.T) {
	repo := &fakeOutbox{failed: map[int64]string{}}
	repo.pending = []storage.OutboxMessage{
		outboxMessage(t, 1, "req-1", redemption.StatusCancelled, ledger.EventTypeCancelled),
	}

	p := NewPublisher(PublisherConfig{}, repo, &fakeProducer{}, nil, &fakeArchive{err: errors.New("bucket gone")}, nil)
	if err := p.pollAndPublish(context.Background()); err != nil {
		t.Fatalf("pollAndPublish: %v", err)
	}
	if len(repo.published) != 0 || repo.failed[1] == "" {
		t.Errorf("published=%v failed=%v", repo.published, repo.failed)
	}
}

func TestPublisher_DeadLettersExhaustedMessage(t *testing.T) {
	msg := outboxMessage(t, 1, "req-1", redemption.StatusConfirmed, ledger.EventTypeConfirmed)
	msg.RetryCount = 2

	repo := &fakeOutbox{failed: map[int64]string{}, pending: []storage.OutboxMessage{msg}}
	prod := &fakeProducer{failFor: map[string]error{"req-1": errors.New("rejected")}}

	p := NewPublisher(PublisherConfig{}, repo, prod, nil, nil, nil)
	if err := p.pollAndPublish(context.Background()); err != nil {
		t.Fatalf("pollAndPublish: %v", err)
	}

	if len(prod.records) != 1 || prod.records[0].Topic != "dlq-redemption-events" {
		t.Fatalf("records = %+v", prod.records)
	}
	if prod.records[0].Headers["error"] != "rejected" {
		t.Errorf("headers = %v", prod.records[0].Headers)
	}
}
