// Package redemption defines the redemption request model and the state
// machine that governs how a request moves from intake to settlement.
package redemption

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies the settlement backend a request executes on.
type Venue string

const (
	VenueEVM          Venue = "evm"
	VenueSolana       Venue = "solana"
	VenuePermissioned Venue = "permissioned"
)

// Venues lists every supported venue in a stable order.
var Venues = []Venue{VenueEVM, VenueSolana, VenuePermissioned}

// ParseVenue converts user input to a Venue.
func ParseVenue(s string) (Venue, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "evm", "ethereum":
		return VenueEVM, nil
	case "solana":
		return VenueSolana, nil
	case "permissioned", "fabric":
		return VenuePermissioned, nil
	default:
		return "", &ValidationError{Field: "venue", Reason: fmt.Sprintf("unsupported venue %q", s)}
	}
}

// AssetKind is the metal backing the token being redeemed.
type AssetKind string

const (
	AssetGold   AssetKind = "GOLD"
	AssetSilver AssetKind = "SILVER"
)

// ParseAssetKind converts user input to an AssetKind.
func ParseAssetKind(s string) (AssetKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GOLD":
		return AssetGold, nil
	case "SILVER":
		return AssetSilver, nil
	default:
		return "", &ValidationError{Field: "assetKind", Reason: fmt.Sprintf("unsupported asset %q", s)}
	}
}

// Code returns the on-venue numeric encoding of the asset.
func (a AssetKind) Code() uint8 {
	switch a {
	case AssetGold:
		return 0
	case AssetSilver:
		return 1
	default:
		return 255
	}
}

// Status is the lifecycle state of a redemption request.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusConfirmed            Status = "confirmed"
	StatusProcessing           Status = "processing"
	StatusFulfilled            Status = "fulfilled"
	StatusCancelRequested      Status = "cancel_requested"
	StatusCancelled            Status = "cancelled"
	StatusFailed               Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFulfilled, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// InFlight reports whether a watch task is expected to be running for the status.
func (s Status) InFlight() bool {
	return s == StatusAwaitingConfirmation || s == StatusCancelRequested
}

// Cancellable reports whether a cancellation may be requested from the status.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing:
		return true
	}
	return false
}

// ParseStatus converts user input to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusAwaitingConfirmation, StatusConfirmed, StatusProcessing,
		StatusFulfilled, StatusCancelRequested, StatusCancelled, StatusFailed:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
}

// DeliveryAddress holds the postal fields required for physical fulfillment.
type DeliveryAddress struct {
	FullName   string `json:"fullName"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Validate checks that every field needed for shipping is present.
func (a DeliveryAddress) Validate() error {
	required := []struct {
		field, value string
	}{
		{"deliveryAddress.fullName", a.FullName},
		{"deliveryAddress.line1", a.Line1},
		{"deliveryAddress.city", a.City},
		{"deliveryAddress.postalCode", a.PostalCode},
		{"deliveryAddress.country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "required"}
		}
	}
	if len(strings.TrimSpace(a.Country)) != 2 {
		return &ValidationError{Field: "deliveryAddress.country", Reason: "must be an ISO 3166-1 alpha-2 code"}
	}
	return nil
}

// Request is the canonical redemption record.
type Request struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	Venue           Venue           `json:"venue"`
	AssetKind       AssetKind       `json:"assetKind"`
	Quantity        decimal.Decimal `json:"tokenQuantity"`
	DeliveryAddress DeliveryAddress `json:"deliveryAddress"`

	VenueRequestID      string `json:"venueRequestId,omitempty"`
	SettlementReference string `json:"settlementReference,omitempty"`

	// Venue handles of the in-flight submissions, kept so watches can resume.
	SubmissionHandle string `json:"submissionHandle,omitempty"`
	CancelHandle     string `json:"cancelHandle,omitempty"`

	// PriorStatus is set while a cancellation is in flight.
	PriorStatus   Status `json:"priorStatus,omitempty"`
	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a copy safe to mutate.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Intent is a caller's request to redeem tokens.
type Intent struct {
	OwnerID         string
	Venue           Venue
	AssetKind       AssetKind
	Quantity        decimal.Decimal
	DeliveryAddress DeliveryAddress
}

// Validate rejects intents that must never reach a venue.
func (in Intent) Validate() error {
	if strings.TrimSpace(in.OwnerID) == "" {
		return &ValidationError{Field: "ownerId", Reason: "required"}
	}
	switch in.Venue {
	case VenueEVM, VenueSolana, VenuePermissioned:
	default:
		return &ValidationError{Field: "venue", Reason: fmt.Sprintf("unsupported venue %q", in.Venue)}
	}
	switch in.AssetKind {
	case AssetGold, AssetSilver:
	default:
		return &ValidationError{Field: "assetKind", Reason: fmt.Sprintf("unsupported asset %q", in.AssetKind)}
	}
	if !in.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	return in.DeliveryAddress.Validate()
}

// Failure reasons recorded by watchers.
const (
	ReasonTimeout    = "timeout"
	ReasonCancelled  = "cancelled"
	ReasonIDMismatch = "venue request id mismatch"
)

// SettlementOutcome is the result a finality watcher hands back for a submission.
type SettlementOutcome struct {
	Success             bool      `json:"success"`
	SettlementReference string    `json:"settlementReference,omitempty"`
	FailureReason       string    `json:"failureReason,omitempty"`
	VenueRequestID      string    `json:"venueRequestId,omitempty"`
	ObservedAt          time.Time `json:"observedAt"`
}

// TimedOut reports whether the watcher gave up waiting.
func (o SettlementOutcome) TimedOut() bool {
	return !o.Success && o.FailureReason == ReasonTimeout
}
