package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// OutboxStatus represents the processing state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusPublished  OutboxStatus = "published"
	OutboxStatusFailed     OutboxStatus = "failed"
)

// DefaultTopic is the Kafka topic redemption notifications are written for.
const DefaultTopic = "redemption-events"

// OutboxMessage is a notification waiting to be published.
type OutboxMessage struct {
	ID           int64        `db:"id"`
	EventID      string       `db:"event_id"`
	Topic        string       `db:"topic"`
	PartitionKey string       `db:"partition_key"`
	Payload      []byte       `db:"payload"` // JSONB ledger.Notification
	RequestID    string       `db:"request_id"`
	OwnerID      string       `db:"owner_id"`
	EventType    string       `db:"event_type"`
	Status       OutboxStatus `db:"status"`
	RetryCount   int32        `db:"retry_count"`
	MaxRetries   int32        `db:"max_retries"`
	LastError    *string      `db:"last_error"`
	CreatedAt    time.Time    `db:"created_at"`
	ProcessedAt  *time.Time   `db:"processed_at"`
	PublishedAt  *time.Time   `db:"published_at"`
}

// Purchase is a token purchase made by an owner.
type Purchase struct {
	ID        string          `db:"id"`
	OwnerID   string          `db:"owner_id"`
	AssetKind string          `db:"asset_kind"`
	Quantity  decimal.Decimal `db:"quantity"`
	ValueUSD  decimal.Decimal `db:"value_usd"`
	Venue     string          `db:"venue"`
	Status    string          `db:"status"`
	TxHash    string          `db:"tx_hash"`
	CreatedAt time.Time       `db:"created_at"`
}

// Transfer is a gift or peer transfer into or out of an owner's balance.
type Transfer struct {
	ID           string          `db:"id"`
	OwnerID      string          `db:"owner_id"`
	Counterparty string          `db:"counterparty"`
	Direction    string          `db:"direction"`
	AssetKind    string          `db:"asset_kind"`
	Quantity     decimal.Decimal `db:"quantity"`
	ValueUSD     decimal.Decimal `db:"value_usd"`
	Venue        string          `db:"venue"`
	Status       string          `db:"status"`
	TxHash       string          `db:"tx_hash"`
	CreatedAt    time.Time       `db:"created_at"`
}
