package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marko911/bullion-redeem/internal/ledger"
)

// OutboxRepository reads and settles outbox messages for the publisher.
// Messages are written by RedemptionRepository in the same transaction as the
// ledger change that produced them.
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// insertNotification stages n for publishing. Partitioning by request id keeps
// one request's notifications ordered.
func insertNotification(ctx context.Context, tx pgx.Tx, topic string, n *ledger.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (
			event_id, topic, partition_key, payload, request_id, owner_id, event_type
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.EventID, topic, n.RequestID, payload, n.RequestID, n.OwnerID, n.EventType)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// FetchPendingMessages retrieves pending outbox messages for publishing.
// Messages are returned in order by ID to maintain strict ordering.
func (r *OutboxRepository) FetchPendingMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	sql := `
		SELECT id, event_id, topic, partition_key, payload, request_id, owner_id, event_type,
		       status, retry_count, max_retries, last_error,
		       created_at, processed_at, published_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id ASC
		LIMIT $1
	`

	rows, err := r.db.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		err := rows.Scan(
			&msg.ID, &msg.EventID, &msg.Topic, &msg.PartitionKey, &msg.Payload,
			&msg.RequestID, &msg.OwnerID, &msg.EventType, &msg.Status, &msg.RetryCount, &msg.MaxRetries,
			&msg.LastError, &msg.CreatedAt, &msg.ProcessedAt, &msg.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkAsProcessing atomically marks messages as processing.
// Returns the IDs that were successfully claimed (handles concurrent workers).
func (r *OutboxRepository) MarkAsProcessing(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.pool.Query(ctx, `
		UPDATE outbox
		SET status = 'processing', processed_at = $1
		WHERE id = ANY($2) AND status = 'pending'
		RETURNING id
	`, time.Now().UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("mark processing: %w", err)
	}
	defer rows.Close()

	var claimed []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		claimed = append(claimed, id)
	}

	return claimed, rows.Err()
}

// MarkAsPublished marks messages as successfully published.
func (r *OutboxRepository) MarkAsPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'published', published_at = $1
		WHERE id = ANY($2)
	`, time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// MarkAsFailed records a publish error. The message returns to pending until
// it runs out of retries.
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.pool.Exec(ctx, `
		UPDATE outbox
		SET status = CASE
				WHEN retry_count + 1 >= max_retries THEN 'failed'
				ELSE 'pending'
			END,
			retry_count = retry_count + 1,
			last_error = $1,
			processed_at = NULL
		WHERE id = $2
	`, errMsg, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ReleaseStale returns messages stuck in processing for longer than olderThan
// to pending. A publisher that crashed mid-batch leaves such rows behind.
func (r *OutboxRepository) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'pending', processed_at = NULL
		WHERE status = 'processing' AND processed_at < $1
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingCount reports how many messages are waiting to be published.
func (r *OutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
