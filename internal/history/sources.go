package history

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/ledger"
	"github.com/marko911/bullion-redeem/internal/platform/storage"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// RedemptionLister is the read side of the ledger.
type RedemptionLister interface {
	ListByOwner(ctx context.Context, ownerID string, f ledger.Filter) ([]*redemption.Request, error)
}

// RedemptionSource maps ledger records to entries.
type RedemptionSource struct {
	Ledger RedemptionLister
}

func (s RedemptionSource) Name() string { return string(TypeRedemption) }

func (s RedemptionSource) Entries(ctx context.Context, ownerID string) ([]Entry, error) {
	recs, err := s.Ledger.ListByOwner(ctx, ownerID, ledger.Filter{})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		ref := r.SettlementReference
		if ref == "" {
			ref = r.VenueRequestID
		}
		out = append(out, Entry{
			ID:        r.ID,
			Date:      r.CreatedAt,
			Type:      TypeRedemption,
			AssetKind: string(r.AssetKind),
			Amount:    r.Quantity,
			ValueUSD:  decimal.Zero,
			Status:    string(r.Status),
			Venue:     string(r.Venue),
			Reference: ref,
		})
	}
	return out, nil
}

// ActivityReader reads purchases and transfers.
type ActivityReader interface {
	ListPurchases(ctx context.Context, ownerID string, since time.Time) ([]storage.Purchase, error)
	ListTransfers(ctx context.Context, ownerID string, since time.Time) ([]storage.Transfer, error)
}

// PurchaseSource maps purchases to entries.
type PurchaseSource struct {
	Activity ActivityReader
}

func (s PurchaseSource) Name() string { return string(TypePurchase) }

func (s PurchaseSource) Entries(ctx context.Context, ownerID string) ([]Entry, error) {
	rows, err := s.Activity.ListPurchases(ctx, ownerID, time.Time{})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, p := range rows {
		out = append(out, Entry{
			ID:        p.ID,
			Date:      p.CreatedAt,
			Type:      TypePurchase,
			AssetKind: p.AssetKind,
			Amount:    p.Quantity,
			ValueUSD:  p.ValueUSD,
			Status:    p.Status,
			Venue:     p.Venue,
			Reference: p.TxHash,
		})
	}
	return out, nil
}

// TransferSource maps transfers to entries. Outgoing amounts are negative.
type TransferSource struct {
	Activity ActivityReader
}

func (s TransferSource) Name() string { return string(TypeTransfer) }

func (s TransferSource) Entries(ctx context.Context, ownerID string) ([]Entry, error) {
	rows, err := s.Activity.ListTransfers(ctx, ownerID, time.Time{})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, t := range rows {
		amount := t.Quantity
		if t.Direction == "out" {
			amount = amount.Neg()
		}
		out = append(out, Entry{
			ID:        t.ID,
			Date:      t.CreatedAt,
			Type:      TypeTransfer,
			AssetKind: t.AssetKind,
			Amount:    amount,
			ValueUSD:  t.ValueUSD,
			Status:    t.Status,
			Venue:     t.Venue,
			Reference: t.TxHash,
		})
	}
	return out, nil
}
