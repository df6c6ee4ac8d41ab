package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ActivityRepository reads the purchase and transfer tables that feed the
// transaction history alongside redemptions.
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new ActivityRepository.
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// ListPurchases returns an owner's purchases created at or after since, newest first.
// A zero since returns everything.
func (r *ActivityRepository) ListPurchases(ctx context.Context, ownerID string, since time.Time) ([]Purchase, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, owner_id, asset_kind, quantity::text, value_usd::text, venue, status,
		       COALESCE(tx_hash, ''), created_at
		FROM purchases
		WHERE owner_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		var p Purchase
		var qty, value string
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.AssetKind, &qty, &value, &p.Venue, &p.Status, &p.TxHash, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("purchase %s quantity: %w", p.ID, err)
		}
		if p.ValueUSD, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("purchase %s value: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListTransfers returns an owner's transfers created at or after since, newest first.
func (r *ActivityRepository) ListTransfers(ctx context.Context, ownerID string, since time.Time) ([]Transfer, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, owner_id, counterparty, direction, asset_kind, quantity::text,
		       COALESCE(value_usd, 0)::text, venue, status, COALESCE(tx_hash, ''), created_at
		FROM transfers
		WHERE owner_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, ownerID, since)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var t Transfer
		var qty, value string
		err := rows.Scan(&t.ID, &t.OwnerID, &t.Counterparty, &t.Direction, &t.AssetKind,
			&qty, &value, &t.Venue, &t.Status, &t.TxHash, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if t.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("transfer %s quantity: %w", t.ID, err)
		}
		if t.ValueUSD, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("transfer %s value: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertPurchase records a purchase. Used by seed tooling and tests.
func (r *ActivityRepository) InsertPurchase(ctx context.Context, p Purchase) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO purchases (id, owner_id, asset_kind, quantity, value_usd, venue, status, tx_hash, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9)
	`, p.ID, p.OwnerID, p.AssetKind, p.Quantity.String(), p.ValueUSD.String(), p.Venue, p.Status, nullable(p.TxHash), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

// InsertTransfer records a transfer.
func (r *ActivityRepository) InsertTransfer(ctx context.Context, t Transfer) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO transfers (id, owner_id, counterparty, direction, asset_kind, quantity, value_usd, venue, status, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9, $10, $11)
	`, t.ID, t.OwnerID, t.Counterparty, t.Direction, t.AssetKind, t.Quantity.String(), t.ValueUSD.String(),
		t.Venue, t.Status, nullable(t.TxHash), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}
