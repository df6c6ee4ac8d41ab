// Package ledger is the system of record for redemption requests. All status
// changes go through Ledger.Apply, which serializes writes per request and
// refuses anything the state machine does not allow.
package ledger

import (
	"context"
	"time"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// Store persists redemption records. Implementations must make Update a
// compare-and-swap on PrevVersion and write the audit entry and notification
// atomically with the record.
type Store interface {
	Insert(ctx context.Context, rec *redemption.Request, audit AuditEntry) error
	Get(ctx context.Context, id string) (*redemption.Request, error)
	Update(ctx context.Context, c Commit) error
	ListByOwner(ctx context.Context, ownerID string, f Filter) ([]*redemption.Request, error)
	ListInFlight(ctx context.Context) ([]*redemption.Request, error)
}

// Filter narrows owner listings. Zero values match everything.
type Filter struct {
	Status    redemption.Status
	AssetKind redemption.AssetKind
	From      time.Time
	To        time.Time
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec *redemption.Request) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.AssetKind != "" && rec.AssetKind != f.AssetKind {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Commit is one guarded write.
type Commit struct {
	Record       *redemption.Request
	PrevVersion  int64
	Audit        AuditEntry
	Notification *Notification
}

// AuditEntry records a single transition for later inspection.
type AuditEntry struct {
	RequestID string
	From      redemption.Status
	To        redemption.Status
	Event     string
	Reference string
	Reason    string
	Version   int64
	At        time.Time
}

// Notification event types.
const (
	EventTypeConfirmed = "redemption.confirmed"
	EventTypeFulfilled = "redemption.fulfilled"
	EventTypeCancelled = "redemption.cancelled"
	EventTypeFailed    = "redemption.failed"
)

// Notification is emitted for every transition into Confirmed or a terminal status.
type Notification struct {
	EventID             string              `json:"eventId"`
	EventType           string              `json:"eventType"`
	RequestID           string              `json:"requestId"`
	OwnerID             string              `json:"ownerId"`
	Status              redemption.Status   `json:"status"`
	Venue               redemption.Venue    `json:"venue"`
	SettlementReference string              `json:"settlementReference,omitempty"`
	FailureReason       string              `json:"failureReason,omitempty"`
	OccurredAt          time.Time           `json:"occurredAt"`
	Snapshot            *redemption.Request `json:"snapshot"`
}

// Terminal reports whether the notification closes the request's lifecycle.
func (n *Notification) Terminal() bool {
	return n.Status.IsTerminal()
}

func notificationType(s redemption.Status) (string, bool) {
	switch s {
	case redemption.StatusConfirmed:
		return EventTypeConfirmed, true
	case redemption.StatusFulfilled:
		return EventTypeFulfilled, true
	case redemption.StatusCancelled:
		return EventTypeCancelled, true
	case redemption.StatusFailed:
		return EventTypeFailed, true
	}
	return "", false
}
