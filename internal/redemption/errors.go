package redemption

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrVenueUnavailable = errors.New("venue unavailable")
	ErrVenueRejected    = errors.New("venue rejected submission")

	ErrInsufficientBalance = &rejection{msg: "insufficient balance"}
	ErrInvalidAmount       = &rejection{msg: "invalid amount"}
	ErrUnknownRequestID    = &rejection{msg: "unknown venue request id"}

	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrInvariantViolation means a write would have broken the ledger's
	// consistency guarantees. It always indicates a bug.
	ErrInvariantViolation = errors.New("invariant violation")

	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrStaleTransition      = errors.New("stale transition")
	ErrNotFound             = errors.New("redemption not found")
	ErrNotOwner             = errors.New("requester does not own redemption")
	ErrNoVenueHandle        = errors.New("redemption has no venue request id yet")
	ErrCancellationInFlight = errors.New("cancellation already in flight")
	ErrNoWatchTask          = errors.New("no watch task in flight")
)

// rejection is a venue-specific refusal that also matches ErrVenueRejected.
type rejection struct {
	msg string
}

func (r *rejection) Error() string { return r.msg }

func (r *rejection) Is(target error) bool {
	return target == ErrVenueRejected
}

// ValidationError reports a caller input problem detected before any venue call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvariantError carries the details of a refused ledger write.
type InvariantError struct {
	RequestID string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.RequestID, e.Detail)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// TransitionError reports an event that is not legal from the current status.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s not allowed from %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
