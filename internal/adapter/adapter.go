// Package adapter defines the uniform surface every settlement venue exposes
// to the orchestrator. Venue-native identifiers, account derivation and
// decimal precision stay inside the venue packages.
package adapter

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/finality"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

// Submission is what a venue hands back for an accepted transaction.
type Submission struct {
	// Handle identifies the venue transaction (tx hash, signature, tx id).
	Handle string
	// VenueRequestID is the venue-native redemption id. Empty for cancellations.
	VenueRequestID string
}

// VenueState is the read-only venue config used before a submission.
type VenueState struct {
	// NextRequestID is the id the venue will assign to the next redemption.
	NextRequestID string
	Decimals      int32
	Paused        bool
}

// Settlement is implemented once per venue.
//
// SubmitRedemption fails with redemption.ErrVenueUnavailable,
// redemption.ErrInsufficientBalance or redemption.ErrInvalidAmount.
// SubmitCancellation fails with redemption.ErrUnknownRequestID or
// redemption.ErrVenueUnavailable. Each successful call sends exactly one
// venue transaction.
type Settlement interface {
	finality.Prober

	Venue() redemption.Venue
	SubmitRedemption(ctx context.Context, keys OwnerKeys, asset redemption.AssetKind, qty decimal.Decimal) (Submission, error)
	SubmitCancellation(ctx context.Context, venueRequestID string) (Submission, error)
	QueryState(ctx context.Context) (VenueState, error)
}
