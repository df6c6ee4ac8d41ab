package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/adapter"
	"github.com/marko911/bullion-redeem/internal/finality"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// mockVenue answers probes from a map keyed by settlement reference.
type mockVenue struct {
	venue  redemption.Venue
	probes map[string]finality.Probe
	err    error
	calls  int
}

func (m *mockVenue) Venue() redemption.Venue { return m.venue }

func (m *mockVenue) Probe(ctx context.Context, handle string) (finality.Probe, error) {
	m.calls++
	if m.err != nil {
		return finality.Probe{}, m.err
	}
	return m.probes[handle], nil
}

func (m *mockVenue) SubmitRedemption(context.Context, adapter.OwnerKeys, redemption.AssetKind, decimal.Decimal) (adapter.Submission, error) {
	return adapter.Submission{}, errors.New("not used")
}

func (m *mockVenue) SubmitCancellation(context.Context, string) (adapter.Submission, error) {
	return adapter.Submission{}, errors.New("not used")
}

func (m *mockVenue) QueryState(context.Context) (adapter.VenueState, error) {
	return adapter.VenueState{}, nil
}

type mockRepo struct {
	records []*redemption.Request
	since   []time.Time
}

func (m *mockRepo) ListSettledSince(_ context.Context, since time.Time, limit int) ([]*redemption.Request, error) {
	m.since = append(m.since, since)
	var out []*redemption.Request
	for _, r := range m.records {
		if !r.UpdatedAt.Before(since) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func settled(id, ref string, at time.Time) *redemption.Request {
	return &redemption.Request{
		ID:                  id,
		OwnerID:             "owner-1",
		Venue:               redemption.VenueEVM,
		Status:              redemption.StatusConfirmed,
		SettlementReference: ref,
		Version:             3,
		UpdatedAt:           at,
	}
}

func newTestReconciler(repo settledLister, venue *mockVenue, cfg ReconcilerConfig) *Reconciler {
	r := NewReconciler(cfg, repo, adapter.NewRegistry(venue), nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r
}

func TestReconcileCycle_AllMatched(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	repo := &mockRepo{records: []*redemption.Request{
		settled("req-1", "0xaa", at),
		settled("req-2", "0xbb", at.Add(time.Minute)),
	}}
	venue := &mockVenue{venue: redemption.VenueEVM, probes: map[string]finality.Probe{
		"0xaa": {Final: true, Success: true, Reference: "0xaa"},
		"0xbb": {Final: true, Success: true, Reference: "0xbb"},
	}}
	r := newTestReconciler(repo, venue, ReconcilerConfig{})

	if err := r.reconcileCycle(context.Background()); err != nil {
		t.Fatalf("reconcileCycle: %v", err)
	}
	stats := r.Stats()
	if stats.RecordsChecked != 2 || stats.RecordsMatched != 2 {
		t.Errorf("stats = %+v", stats)
	}

	// A second cycle starts at the newest record and skips verified ones.
	if err := r.reconcileCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if venue.calls != 2 {
		t.Errorf("probes = %d, want 2", venue.calls)
	}
	if got := repo.since[1]; !got.Equal(at.Add(time.Minute)) {
		t.Errorf("second cycle since = %v", got)
	}
}

func TestReconcileCycle_FailedOnVenueHalts(t *testing.T) {
	repo := &mockRepo{records: []*redemption.Request{
		settled("req-1", "0xaa", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)),
	}}
	venue := &mockVenue{venue: redemption.VenueEVM, probes: map[string]finality.Probe{
		"0xaa": {Final: true, Reference: "0xaa", Reason: "execution reverted"},
	}}
	r := newTestReconciler(repo, venue, ReconcilerConfig{FailClosed: true})

	if err := r.reconcileCycle(context.Background()); err == nil {
		t.Fatal("expected fail-closed error")
	}
	if !r.IsHalted() || !strings.Contains(r.HaltReason(), "req-1") {
		t.Errorf("halted=%v reason=%q", r.IsHalted(), r.HaltReason())
	}

	if err := r.ResolveHalt("reissued on venue"); err != nil {
		t.Fatalf("ResolveHalt: %v", err)
	}
	if r.IsHalted() {
		t.Error("still halted after resolve")
	}
	if err := r.ResolveHalt("again"); err == nil {
		t.Error("resolving a running reconciler should fail")
	}
}

func TestReconcileCycle_RequestIDMismatchHalts(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	ok := settled("req-1", "0xaa", at)
	ok.VenueRequestID = "42"
	wrong := settled("req-2", "0xbb", at.Add(time.Minute))
	wrong.VenueRequestID = "43"
	repo := &mockRepo{records: []*redemption.Request{ok, wrong}}
	venue := &mockVenue{venue: redemption.VenueEVM, probes: map[string]finality.Probe{
		"0xaa": {Final: true, Success: true, Reference: "0xaa", VenueRequestID: "42"},
		"0xbb": {Final: true, Success: true, Reference: "0xbb", VenueRequestID: "44"},
	}}
	r := newTestReconciler(repo, venue, ReconcilerConfig{FailClosed: true})

	if err := r.reconcileCycle(context.Background()); err == nil {
		t.Fatal("expected fail-closed error")
	}
	if !r.IsHalted() || !strings.Contains(r.HaltReason(), "req-2") {
		t.Errorf("halted=%v reason=%q", r.IsHalted(), r.HaltReason())
	}
}

func TestReconcileCycle_UnsettledStrikes(t *testing.T) {
	repo := &mockRepo{records: []*redemption.Request{
		settled("req-1", "0xaa", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)),
	}}
	venue := &mockVenue{venue: redemption.VenueEVM, probes: map[string]finality.Probe{}}
	r := newTestReconciler(repo, venue, ReconcilerConfig{FailClosed: true, MaxStrikes: 2})

	if err := r.reconcileCycle(context.Background()); err != nil {
		t.Fatalf("first strike should not halt: %v", err)
	}
	if r.IsHalted() {
		t.Fatal("halted after one strike")
	}
	if err := r.reconcileCycle(context.Background()); err == nil || !r.IsHalted() {
		t.Fatalf("second strike should halt, err=%v", err)
	}
	if s := r.Stats(); s.RecordsUnsettled != 2 || s.Mismatches != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReconcileCycle_FailOpenKeepsRunning(t *testing.T) {
	repo := &mockRepo{records: []*redemption.Request{
		settled("req-1", "0xaa", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)),
	}}
	venue := &mockVenue{venue: redemption.VenueEVM, probes: map[string]finality.Probe{
		"0xaa": {Final: true, Reference: "0xaa"},
	}}
	r := newTestReconciler(repo, venue, ReconcilerConfig{FailClosed: false})

	if err := r.reconcileCycle(context.Background()); err != nil {
		t.Fatalf("reconcileCycle: %v", err)
	}
	if r.IsHalted() || r.Stats().Mismatches != 1 {
		t.Errorf("halted=%v stats=%+v", r.IsHalted(), r.Stats())
	}
}

func TestReconcileCycle_VenueErrorsDoNotHalt(t *testing.T) {
	repo := &mockRepo{records: []*redemption.Request{
		settled("req-1", "0xaa", time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)),
		{ID: "req-2", Venue: redemption.VenueSolana, Status: redemption.StatusConfirmed, SettlementReference: "sig", UpdatedAt: time.Date(2026, 3, 1, 11, 5, 0, 0, time.UTC)},
	}}
	venue := &mockVenue{venue: redemption.VenueEVM, err: errors.New("rpc down")}
	r := newTestReconciler(repo, venue, ReconcilerConfig{FailClosed: true})

	if err := r.reconcileCycle(context.Background()); err != nil {
		t.Fatalf("reconcileCycle: %v", err)
	}
	if r.IsHalted() || r.Stats().VenueErrors != 2 {
		t.Errorf("halted=%v stats=%+v", r.IsHalted(), r.Stats())
	}
}

func TestHandler_Health(t *testing.T) {
	venue := &mockVenue{venue: redemption.VenueEVM}
	r := newTestReconciler(&mockRepo{}, venue, ReconcilerConfig{})
	h := r.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}

	r.mu.Lock()
	r.halted, r.haltReason = true, "mismatch on req-1"
	r.mu.Unlock()

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "req-1") {
		t.Errorf("halted health = %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/resolve", strings.NewReader(`{"resolution":"checked"}`)))
	if rec.Code != http.StatusOK || r.IsHalted() {
		t.Errorf("resolve = %d halted=%v", rec.Code, r.IsHalted())
	}
}
