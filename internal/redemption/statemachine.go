package redemption

import (
	"time"
)

// Event drives a status transition.
type Event string

const (
	EventSubmissionAccepted  Event = "submission_accepted"
	EventSubmissionRejected  Event = "submission_rejected"
	EventSettlementConfirmed Event = "settlement_confirmed"
	EventSettlementFailed    Event = "settlement_failed"
	EventProcessingStarted   Event = "processing_started"
	EventDispatched          Event = "dispatched"
	EventCancelAccepted      Event = "cancel_accepted"
	EventCancelSubmitted     Event = "cancel_submitted"
	EventCancelConfirmed     Event = "cancel_confirmed"
	EventCancelFailed        Event = "cancel_failed"
)

// Transition is a request to move a record forward. It is the only way a
// record's status changes.
type Transition struct {
	Event Event

	// ExpectedVersion, when non-zero, must equal the stored version.
	ExpectedVersion int64

	VenueRequestID      string
	SubmissionHandle    string
	CancelHandle        string
	SettlementReference string
	FailureReason       string
}

type edge struct {
	from  Status
	event Event
}

// transitions is the full table. CancelFailed has no fixed target: it
// restores the status held before the cancellation.
var transitions = map[edge]Status{
	{StatusPending, EventSubmissionAccepted}:               StatusAwaitingConfirmation,
	{StatusPending, EventSubmissionRejected}:               StatusFailed,
	{StatusAwaitingConfirmation, EventSettlementConfirmed}: StatusConfirmed,
	{StatusAwaitingConfirmation, EventSettlementFailed}:    StatusFailed,
	{StatusConfirmed, EventProcessingStarted}:              StatusProcessing,
	{StatusProcessing, EventDispatched}:                    StatusFulfilled,
	{StatusPending, EventCancelAccepted}:                   StatusCancelRequested,
	{StatusConfirmed, EventCancelAccepted}:                 StatusCancelRequested,
	{StatusProcessing, EventCancelAccepted}:                StatusCancelRequested,
	{StatusCancelRequested, EventCancelSubmitted}:          StatusCancelRequested,
	{StatusCancelRequested, EventCancelConfirmed}:          StatusCancelled,
	{StatusCancelRequested, EventCancelFailed}:             "",
}

// Next returns the status reached by applying ev in status from.
func Next(from, prior Status, ev Event) (Status, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return "", &TransitionError{From: from, Event: ev}
	}
	if ev == EventCancelFailed {
		if !prior.Cancellable() {
			return "", &TransitionError{From: from, Event: ev}
		}
		return prior, nil
	}
	return to, nil
}

// requiresProof lists the targets that must be anchored by a settlement reference.
func requiresProof(to Status) bool {
	switch to {
	case StatusConfirmed, StatusCancelled, StatusFulfilled, StatusFailed:
		return true
	}
	return false
}

// Apply returns the record produced by t, leaving r untouched. It enforces
// the proof-of-settlement and handle immutability invariants.
func (r *Request) Apply(t Transition, now time.Time) (*Request, error) {
	to, err := Next(r.Status, r.PriorStatus, t.Event)
	if err != nil {
		return nil, err
	}

	if t.VenueRequestID != "" && r.VenueRequestID != "" && t.VenueRequestID != r.VenueRequestID {
		return nil, &InvariantError{RequestID: r.ID, Detail: "venue request id is immutable once set"}
	}

	next := r.Clone()
	next.Status = to
	next.FailureReason = t.FailureReason

	switch t.Event {
	case EventSubmissionAccepted:
		if t.SubmissionHandle == "" {
			return nil, &InvariantError{RequestID: r.ID, Detail: "accepted submission without a handle"}
		}
		if t.VenueRequestID != "" {
			next.VenueRequestID = t.VenueRequestID
		}
		next.SubmissionHandle = t.SubmissionHandle

	case EventSubmissionRejected:
		// The only path into a terminal state without a settlement reference.
		if t.SettlementReference != "" {
			next.SettlementReference = t.SettlementReference
		}

	case EventSettlementConfirmed, EventSettlementFailed, EventCancelConfirmed:
		if t.SettlementReference == "" {
			return nil, &InvariantError{RequestID: r.ID, Detail: "transition to " + string(to) + " without settlement reference"}
		}
		next.SettlementReference = t.SettlementReference
		if t.Event == EventCancelConfirmed {
			next.PriorStatus = ""
			next.CancelHandle = ""
		}

	case EventCancelAccepted:
		// The marker is written before the venue is asked; the handle
		// follows with EventCancelSubmitted.
		if r.VenueRequestID == "" {
			return nil, ErrNoVenueHandle
		}
		next.PriorStatus = r.Status
		next.CancelHandle = t.CancelHandle

	case EventCancelSubmitted:
		if t.CancelHandle == "" {
			return nil, &InvariantError{RequestID: r.ID, Detail: "submitted cancellation without a handle"}
		}
		if r.CancelHandle != "" && r.CancelHandle != t.CancelHandle {
			return nil, &InvariantError{RequestID: r.ID, Detail: "cancel handle is immutable once set"}
		}
		next.CancelHandle = t.CancelHandle
		next.FailureReason = r.FailureReason

	case EventCancelFailed:
		// The failed attempt leaves no trace on the record beyond the audit entry.
		next.PriorStatus = ""
		next.CancelHandle = ""
		next.FailureReason = r.FailureReason

	case EventDispatched:
		if t.SettlementReference != "" && t.SettlementReference != r.SettlementReference {
			return nil, &InvariantError{RequestID: r.ID, Detail: "dispatch cannot replace the settlement reference"}
		}
	}

	if requiresProof(to) && next.SettlementReference == "" && t.Event != EventSubmissionRejected {
		return nil, &InvariantError{RequestID: r.ID, Detail: "status " + string(to) + " requires a settlement reference"}
	}

	next.Version = r.Version + 1
	next.UpdatedAt = now.UTC()
	if next.UpdatedAt.Before(r.UpdatedAt) {
		next.UpdatedAt = r.UpdatedAt
	}
	return next, nil
}
