package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/ledger"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// SQLSTATE check_violation, raised by table constraints and the
// venue_request_id guard trigger.
const codeCheckViolation = "23514"

// RedemptionRepository is the PostgreSQL ledger.Store.
type RedemptionRepository struct {
	db    *DB
	topic string
}

// NewRedemptionRepository creates a repository that stages notifications on topic.
func NewRedemptionRepository(db *DB, topic string) *RedemptionRepository {
	if topic == "" {
		topic = DefaultTopic
	}
	return &RedemptionRepository{db: db, topic: topic}
}

var _ ledger.Store = (*RedemptionRepository)(nil)

const redemptionColumns = `
	id, owner_id, venue, asset_kind, quantity::text, delivery_address,
	venue_request_id, settlement_reference, submission_handle, cancel_handle,
	prior_status, status, failure_reason, version, created_at, updated_at`

func (r *RedemptionRepository) Insert(ctx context.Context, rec *redemption.Request, audit ledger.AuditEntry) error {
	addr, err := json.Marshal(rec.DeliveryAddress)
	if err != nil {
		return fmt.Errorf("marshal delivery address: %w", err)
	}

	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO redemption_requests (
				id, owner_id, venue, asset_kind, quantity, delivery_address,
				venue_request_id, settlement_reference, submission_handle, cancel_handle,
				prior_status, status, failure_reason, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`,
			rec.ID, rec.OwnerID, string(rec.Venue), string(rec.AssetKind), rec.Quantity.String(), addr,
			nullable(rec.VenueRequestID), nullable(rec.SettlementReference),
			nullable(rec.SubmissionHandle), nullable(rec.CancelHandle),
			nullable(string(rec.PriorStatus)), string(rec.Status), nullable(rec.FailureReason),
			rec.Version, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert redemption: %w", err)
		}
		return insertAudit(ctx, tx, audit)
	})
	return r.mapError(rec.ID, err)
}

func (r *RedemptionRepository) Get(ctx context.Context, id string) (*redemption.Request, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM redemption_requests WHERE id = $1`, id)
	rec, err := scanRedemption(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, redemption.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get redemption %s: %w", id, err)
	}
	return rec, nil
}

// Update writes c.Record only if the stored version still equals
// c.PrevVersion. The audit row and any notification commit with it.
func (r *RedemptionRepository) Update(ctx context.Context, c ledger.Commit) error {
	rec := c.Record
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE redemption_requests SET
				venue_request_id = $3,
				settlement_reference = $4,
				submission_handle = $5,
				cancel_handle = $6,
				prior_status = $7,
				status = $8,
				failure_reason = $9,
				version = $10,
				updated_at = $11
			WHERE id = $1 AND version = $2
		`,
			rec.ID, c.PrevVersion,
			nullable(rec.VenueRequestID), nullable(rec.SettlementReference),
			nullable(rec.SubmissionHandle), nullable(rec.CancelHandle),
			nullable(string(rec.PriorStatus)), string(rec.Status), nullable(rec.FailureReason),
			rec.Version, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update redemption: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var current int64
			err := tx.QueryRow(ctx, `SELECT version FROM redemption_requests WHERE id = $1`, rec.ID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return redemption.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("read version: %w", err)
			}
			return fmt.Errorf("%w: %s version %d, expected %d", redemption.ErrStaleTransition, rec.ID, current, c.PrevVersion)
		}

		if err := insertAudit(ctx, tx, c.Audit); err != nil {
			return err
		}
		if c.Notification != nil {
			return insertNotification(ctx, tx, r.topic, c.Notification)
		}
		return nil
	})
	return r.mapError(rec.ID, err)
}

func (r *RedemptionRepository) ListByOwner(ctx context.Context, ownerID string, f ledger.Filter) ([]*redemption.Request, error) {
	where := []string{"owner_id = $1"}
	args := []interface{}{ownerID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AssetKind != "" {
		add("asset_kind = $%d", string(f.AssetKind))
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	sql := `SELECT ` + redemptionColumns + ` FROM redemption_requests WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	return r.query(ctx, sql, args...)
}

// ListInFlight returns requests that had a watch running when the process stopped.
func (r *RedemptionRepository) ListInFlight(ctx context.Context) ([]*redemption.Request, error) {
	return r.query(ctx, `SELECT `+redemptionColumns+` FROM redemption_requests
		WHERE status IN ('awaiting_confirmation', 'cancel_requested')
		ORDER BY created_at DESC, id DESC`)
}

// ListSettledSince returns requests whose settlement was recorded at or
// after since, oldest first. Failed requests are left out.
func (r *RedemptionRepository) ListSettledSince(ctx context.Context, since time.Time, limit int) ([]*redemption.Request, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+redemptionColumns+` FROM redemption_requests
		WHERE status IN ('confirmed', 'processing', 'fulfilled', 'cancelled')
		  AND settlement_reference IS NOT NULL
		  AND updated_at >= $1
		ORDER BY updated_at ASC, id ASC
		LIMIT $2`, since, limit)
}

// Transitions returns the audit trail for id, oldest first.
func (r *RedemptionRepository) Transitions(ctx context.Context, id string) ([]ledger.AuditEntry, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT request_id, COALESCE(from_status, ''), to_status, event,
		       COALESCE(reference, ''), COALESCE(reason, ''), version, at
		FROM redemption_transitions
		WHERE request_id = $1
		ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []ledger.AuditEntry
	for rows.Next() {
		var a ledger.AuditEntry
		var from, to string
		if err := rows.Scan(&a.RequestID, &from, &to, &a.Event, &a.Reference, &a.Reason, &a.Version, &a.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		a.From, a.To = redemption.Status(from), redemption.Status(to)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *RedemptionRepository) query(ctx context.Context, sql string, args ...interface{}) ([]*redemption.Request, error) {
	rows, err := r.db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query redemptions: %w", err)
	}
	defer rows.Close()

	var out []*redemption.Request
	for rows.Next() {
		rec, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// mapError turns constraint failures into invariant violations.
func (r *RedemptionRepository) mapError(id string, err error) error {
	if err == nil {
		return nil
	}
	if pgCode(err) == codeCheckViolation {
		return &redemption.InvariantError{RequestID: id, Detail: err.Error()}
	}
	return err
}

func insertAudit(ctx context.Context, tx pgx.Tx, a ledger.AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO redemption_transitions (
			request_id, from_status, to_status, event, reference, reason, version, at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.RequestID, nullable(string(a.From)), string(a.To), a.Event,
		nullable(a.Reference), nullable(a.Reason), a.Version, a.At)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func scanRedemption(row pgx.Row) (*redemption.Request, error) {
	var (
		rec                            redemption.Request
		venue, asset, qty, status      string
		addr                           []byte
		venueReqID, ref, handle, cHand *string
		prior, reason                  *string
	)
	err := row.Scan(
		&rec.ID, &rec.OwnerID, &venue, &asset, &qty, &addr,
		&venueReqID, &ref, &handle, &cHand,
		&prior, &status, &reason, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Quantity, err = decimal.NewFromString(qty)
	if err != nil {
		return nil, fmt.Errorf("parse quantity %q: %w", qty, err)
	}
	if err := json.Unmarshal(addr, &rec.DeliveryAddress); err != nil {
		return nil, fmt.Errorf("decode delivery address: %w", err)
	}
	rec.Venue = redemption.Venue(venue)
	rec.AssetKind = redemption.AssetKind(asset)
	rec.Status = redemption.Status(status)
	rec.PriorStatus = redemption.Status(deref(prior))
	rec.VenueRequestID = deref(venueReqID)
	rec.SettlementReference = deref(ref)
	rec.SubmissionHandle = deref(handle)
	rec.CancelHandle = deref(cHand)
	rec.FailureReason = deref(reason)
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
