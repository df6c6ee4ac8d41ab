package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/ledger"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLedger struct {
	recs []*redemption.Request
}

func (f *fakeLedger) ListByOwner(ctx context.Context, ownerID string, _ ledger.Filter) ([]*redemption.Request, error) {
	var out []*redemption.Request
	for _, r := range f.recs {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeActivity struct {
	purchases []storage.Purchase
	transfers []storage.Transfer
	calls     int
}

func (f *fakeActivity) ListPurchases(ctx context.Context, ownerID string, since time.Time) ([]storage.Purchase, error) {
	f.calls++
	return f.purchases, nil
}

func (f *fakeActivity) ListTransfers(ctx context.Context, ownerID string, since time.Time) ([]storage.Transfer, error) {
	return f.transfers, nil
}

func fixture() (*fakeLedger, *fakeActivity) {
	l := &fakeLedger{}
	for i := 0; i < 5; i++ {
		l.recs = append(l.recs, &redemption.Request{
			ID:                  fmt.Sprintf("r%d", i),
			OwnerID:             "owner-1",
			Venue:               redemption.VenueEVM,
			AssetKind:           redemption.AssetGold,
			Quantity:            decimal.NewFromInt(int64(i + 1)),
			Status:              redemption.StatusConfirmed,
			SettlementReference: fmt.Sprintf("0xref%d", i),
			CreatedAt:           base.Add(time.Duration(i) * time.Hour),
		})
	}
	l.recs[0].Status = redemption.StatusFailed

	a := &fakeActivity{}
	for i := 0; i < 4; i++ {
		a.purchases = append(a.purchases, storage.Purchase{
			ID:        fmt.Sprintf("p%d", i),
			OwnerID:   "owner-1",
			AssetKind: "SILVER",
			Quantity:  decimal.NewFromInt(10),
			ValueUSD:  decimal.RequireFromString("250.00"),
			Venue:     "solana",
			Status:    "completed",
			CreatedAt: base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
		})
	}
	a.transfers = []storage.Transfer{{
		ID:        "t0",
		OwnerID:   "owner-1",
		Direction: "out",
		AssetKind: "GOLD",
		Quantity:  decimal.NewFromInt(2),
		Venue:     "permissioned",
		Status:    "completed",
		CreatedAt: base.Add(10 * time.Hour),
	}}
	return l, a
}

func newAggregator(opts ...Option) (*Aggregator, *fakeActivity) {
	l, a := fixture()
	return NewAggregator([]Source{
		RedemptionSource{Ledger: l},
		PurchaseSource{Activity: a},
		TransferSource{Activity: a},
	}, opts...), a
}

func TestAggregator_MergesNewestFirst(t *testing.T) {
	agg, _ := newAggregator()

	page, err := agg.List(context.Background(), "owner-1", Query{Limit: 100})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if page.Pagination.Total != 10 {
		t.Fatalf("Total = %d, want 10", page.Pagination.Total)
	}
	for i := 1; i < len(page.Data); i++ {
		if page.Data[i].Date.After(page.Data[i-1].Date) {
			t.Fatalf("entry %d (%s) newer than entry %d (%s)", i, page.Data[i].ID, i-1, page.Data[i-1].ID)
		}
	}
	first := page.Data[0]
	if first.Type != TypeTransfer || !first.Amount.Equal(decimal.NewFromInt(-2)) {
		t.Errorf("first entry = %+v, want outgoing transfer of -2", first)
	}
}

func TestAggregator_PagesSumToTotal(t *testing.T) {
	agg, _ := newAggregator()
	ctx := context.Background()

	seen := map[string]bool{}
	sum := 0
	var pagination Pagination
	for page := 1; ; page++ {
		p, err := agg.List(ctx, "owner-1", Query{Page: page, Limit: 3})
		if err != nil {
			t.Fatalf("List page %d failed: %v", page, err)
		}
		for _, e := range p.Data {
			if seen[e.ID] {
				t.Fatalf("entry %s appears on two pages", e.ID)
			}
			seen[e.ID] = true
		}
		sum += len(p.Data)
		pagination = p.Pagination
		if page == 1 && p.Pagination.HasPrev {
			t.Error("first page has HasPrev")
		}
		if !p.Pagination.HasNext {
			break
		}
	}
	if sum != pagination.Total {
		t.Errorf("sum of page sizes = %d, total = %d", sum, pagination.Total)
	}
	if pagination.TotalPages != 4 {
		t.Errorf("TotalPages = %d, want 4", pagination.TotalPages)
	}
}

func TestAggregator_RejectsLimitOver100(t *testing.T) {
	agg, _ := newAggregator()

	_, err := agg.List(context.Background(), "owner-1", Query{Limit: 101})
	if !errors.Is(err, redemption.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAggregator_Filters(t *testing.T) {
	agg, _ := newAggregator()
	ctx := context.Background()

	tests := []struct {
		name string
		q    Query
		want int
	}{
		{"type", Query{Type: TypePurchase}, 4},
		{"status", Query{Status: "failed"}, 1},
		{"asset", Query{AssetKind: "gold"}, 6},
		{"search venue", Query{Search: "SOLANA"}, 4},
		{"search reference", Query{Search: "0xref3"}, 1},
		{"date range", Query{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)}, 3},
		{"combined", Query{Type: TypeRedemption, Status: "confirmed", From: base.Add(3 * time.Hour)}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := agg.List(ctx, "owner-1", tt.q)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if p.Pagination.Total != tt.want {
				t.Errorf("Total = %d, want %d", p.Pagination.Total, tt.want)
			}
		})
	}
}

func TestAggregator_PageBeyondEnd(t *testing.T) {
	agg, _ := newAggregator()

	p, err := agg.List(context.Background(), "owner-1", Query{Page: 9, Limit: 5})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(p.Data) != 0 || p.Pagination.HasNext || !p.Pagination.HasPrev {
		t.Errorf("unexpected page %+v", p.Pagination)
	}
}

func TestRedisCache_ServesFeed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := NewRedisCache(client, "test:", time.Minute)
	agg, activity := newAggregator(WithCache(cache))
	ctx := context.Background()

	first, err := agg.List(ctx, "owner-1", Query{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !mr.Exists("test:history:feed:owner-1") {
		t.Fatal("feed not cached")
	}

	second, err := agg.List(ctx, "owner-1", Query{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if activity.calls != 1 {
		t.Errorf("sources read %d times, want 1", activity.calls)
	}
	if second.Pagination.Total != first.Pagination.Total || second.Data[0].ID != first.Data[0].ID {
		t.Error("cached feed differs from source feed")
	}
	if !second.Data[0].Amount.Equal(first.Data[0].Amount) {
		t.Errorf("amount %s != %s after cache round trip", second.Data[0].Amount, first.Data[0].Amount)
	}

	agg.Invalidate(ctx, "owner-1")
	if mr.Exists("test:history:feed:owner-1") {
		t.Error("feed still cached after invalidate")
	}

	if _, err := agg.List(ctx, "owner-1", Query{}); err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if activity.calls != 2 {
		t.Errorf("sources read %d times after invalidate, want 2", activity.calls)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "owner-1"); ok {
		t.Error("expired feed still served")
	}
}
