package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

func testIntent(owner string) redemption.Intent {
	return redemption.Intent{
		OwnerID:   owner,
		Venue:     redemption.VenueEVM,
		AssetKind: redemption.AssetGold,
		Quantity:  decimal.NewFromInt(3),
		DeliveryAddress: redemption.DeliveryAddress{
			FullName:   "Grace Hopper",
			Line1:      "1 Harbor Way",
			City:       "Arlington",
			PostalCode: "22201",
			Country:    "US",
		},
	}
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	seq := 0
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("req-%d", seq) }),
		WithClock(func() time.Time { return base }),
	}, opts...)
	return New(store, opts...), store
}

func TestLedger_CreatePending(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	rec, err := l.Create(ctx, testIntent("owner-1"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.Status != redemption.StatusPending || rec.Version != 1 {
		t.Errorf("got status=%s version=%d", rec.Status, rec.Version)
	}
	if rec.VenueRequestID != "" || rec.SettlementReference != "" {
		t.Error("new record should carry no venue handles")
	}
	if got := store.Audit(rec.ID); len(got) != 1 || got[0].Event != "created" {
		t.Errorf("audit = %+v", got)
	}
}

func TestLedger_CancelRevertIsNotAnnounced(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	rec, _ := l.Create(ctx, testIntent("owner-1"))
	steps := []redemption.Transition{
		{Event: redemption.EventSubmissionAccepted, VenueRequestID: "17", SubmissionHandle: "0xsub"},
		{Event: redemption.EventSettlementConfirmed, SettlementReference: "0xsub"},
		{Event: redemption.EventCancelAccepted},
		{Event: redemption.EventCancelSubmitted, CancelHandle: "0xcancel"},
		{Event: redemption.EventCancelFailed, FailureReason: redemption.ReasonTimeout},
	}
	for _, step := range steps {
		var err error
		rec, err = l.Apply(ctx, rec.ID, step)
		if err != nil {
			t.Fatalf("Apply(%s) failed: %v", step.Event, err)
		}
	}

	if rec.Status != redemption.StatusConfirmed || rec.CancelHandle != "" {
		t.Errorf("got status=%s handle=%q", rec.Status, rec.CancelHandle)
	}
	if n := len(store.Notifications()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	if n := len(store.Audit(rec.ID)); n != 6 {
		t.Errorf("audit entries = %d, want 6", n)
	}
}

func TestLedger_CreateRejectsInvalidIntent(t *testing.T) {
	l, _ := newTestLedger(t)
	in := testIntent("owner-1")
	in.Quantity = decimal.Zero

	if _, err := l.Create(context.Background(), in); !errors.Is(err, redemption.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestLedger_ApplyLifecycle(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	rec, _ := l.Create(ctx, testIntent("owner-1"))

	steps := []redemption.Transition{
		{Event: redemption.EventSubmissionAccepted, VenueRequestID: "17", SubmissionHandle: "0xsub"},
		{Event: redemption.EventSettlementConfirmed, SettlementReference: "0xsub"},
		{Event: redemption.EventProcessingStarted},
		{Event: redemption.EventDispatched},
	}
	for _, step := range steps {
		var err error
		rec, err = l.Apply(ctx, rec.ID, step)
		if err != nil {
			t.Fatalf("Apply(%s) failed: %v", step.Event, err)
		}
	}

	if rec.Status != redemption.StatusFulfilled || rec.Version != 5 {
		t.Errorf("got status=%s version=%d", rec.Status, rec.Version)
	}

	notes := store.Notifications()
	if len(notes) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notes))
	}
	if notes[0].EventType != EventTypeConfirmed || notes[1].EventType != EventTypeFulfilled {
		t.Errorf("got %s, %s", notes[0].EventType, notes[1].EventType)
	}
	if !notes[1].Terminal() {
		t.Error("fulfilled notification should be terminal")
	}
	if len(store.Audit(rec.ID)) != 5 {
		t.Errorf("audit entries = %d, want 5", len(store.Audit(rec.ID)))
	}
}

func TestLedger_ApplyRejectsStaleVersion(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec, _ := l.Create(ctx, testIntent("owner-1"))
	rec, _ = l.Apply(ctx, rec.ID, redemption.Transition{
		Event: redemption.EventSubmissionAccepted, VenueRequestID: "1", SubmissionHandle: "0xsub",
	})

	_, err := l.Apply(ctx, rec.ID, redemption.Transition{
		Event:               redemption.EventSettlementConfirmed,
		ExpectedVersion:     rec.Version - 1,
		SettlementReference: "0xsub",
	})
	if !errors.Is(err, redemption.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	got, _ := l.Get(ctx, rec.ID)
	if got.Status != redemption.StatusAwaitingConfirmation {
		t.Errorf("stale write changed status to %s", got.Status)
	}
}

func TestLedger_ApplyInvalidTransition(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	rec, _ := l.Create(ctx, testIntent("owner-1"))
	_, err := l.Apply(ctx, rec.ID, redemption.Transition{Event: redemption.EventDispatched})
	if !errors.Is(err, redemption.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestLedger_ApplyUnknownID(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Apply(context.Background(), "missing", redemption.Transition{Event: redemption.EventDispatched})
	if !errors.Is(err, redemption.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLedger_ConcurrentTransitionsSerialize(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	rec, _ := l.Create(ctx, testIntent("owner-1"))
	rec, _ = l.Apply(ctx, rec.ID, redemption.Transition{
		Event: redemption.EventSubmissionAccepted, VenueRequestID: "9", SubmissionHandle: "0xsub",
	})

	// Both outcomes race for the same record; exactly one may land.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	outcomes := []redemption.Transition{
		{Event: redemption.EventSettlementConfirmed, SettlementReference: "0xsub"},
		{Event: redemption.EventSettlementFailed, SettlementReference: "0xsub", FailureReason: "reverted"},
	}
	for i, tr := range outcomes {
		wg.Add(1)
		go func(i int, tr redemption.Transition) {
			defer wg.Done()
			tr.ExpectedVersion = rec.Version
			_, errs[i] = l.Apply(ctx, rec.ID, tr)
		}(i, tr)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, redemption.ErrStaleTransition) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d writes succeeded, want exactly 1", succeeded)
	}
	if n := len(store.Notifications()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestLedger_CommitHookRuns(t *testing.T) {
	var seen []redemption.Status
	l, _ := newTestLedger(t, WithCommitHook(func(_ context.Context, rec *redemption.Request) {
		seen = append(seen, rec.Status)
	}))
	ctx := context.Background()

	rec, _ := l.Create(ctx, testIntent("owner-1"))
	l.Apply(ctx, rec.ID, redemption.Transition{Event: redemption.EventSubmissionRejected, FailureReason: "venue unavailable"})

	if len(seen) != 2 || seen[1] != redemption.StatusFailed {
		t.Errorf("hook saw %v", seen)
	}
}

func TestLedger_ListByOwnerAndInFlight(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	a, _ := l.Create(ctx, testIntent("owner-1"))
	l.Create(ctx, testIntent("owner-1"))
	l.Create(ctx, testIntent("owner-2"))

	l.Apply(ctx, a.ID, redemption.Transition{
		Event: redemption.EventSubmissionAccepted, VenueRequestID: "3", SubmissionHandle: "0xsub",
	})

	mine, err := l.ListByOwner(ctx, "owner-1", Filter{})
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("owner-1 records = %d, want 2", len(mine))
	}

	pending, _ := l.ListByOwner(ctx, "owner-1", Filter{Status: redemption.StatusPending})
	if len(pending) != 1 {
		t.Errorf("pending records = %d, want 1", len(pending))
	}

	inflight, _ := l.ListInFlight(ctx)
	if len(inflight) != 1 || inflight[0].ID != a.ID {
		t.Errorf("in flight = %+v", inflight)
	}
}
