package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Status    string `json:"status,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: venue rejections are checked before the generic
// unavailable case and the most specific conflicts come first.
var errorMappings = []errorMapping{
	{redemption.ErrValidation, http.StatusBadRequest, "validation_failed"},
	{redemption.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{redemption.ErrNotFound, http.StatusNotFound, "not_found"},
	{redemption.ErrNoVenueHandle, http.StatusConflict, "no_venue_handle"},
	{redemption.ErrCancellationInFlight, http.StatusConflict, "cancellation_in_flight"},
	{redemption.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{redemption.ErrStaleTransition, http.StatusConflict, "stale_transition"},
	{redemption.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{redemption.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{redemption.ErrUnknownRequestID, http.StatusUnprocessableEntity, "unknown_request_id"},
	{redemption.ErrVenueRejected, http.StatusUnprocessableEntity, "venue_rejected"},
	{redemption.ErrVenueUnavailable, http.StatusServiceUnavailable, "venue_unavailable"},
	{redemption.ErrConfirmationTimeout, http.StatusGatewayTimeout, "confirmation_timeout"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "deadline_exceeded"},
	{redemption.ErrInvariantViolation, http.StatusInternalServerError, "invariant_violation"},
}

// classify maps err to an HTTP status and a stable code.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError writes the error envelope. rec, when non-nil, is the record
// the failed call left behind (a submission the venue refused is kept as
// Failed and the caller needs its id).
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, rec *redemption.Request) {
	status, code := classify(err)

	body := errorBody{Code: code, Message: err.Error()}
	var verr *redemption.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
		body.Message = verr.Reason
	}
	if rec != nil {
		body.RequestID = rec.ID
		body.Status = string(rec.Status)
	}

	switch {
	case errors.Is(err, redemption.ErrInvariantViolation):
		s.logger.Error("invariant violation",
			"invariant_violation", true,
			"path", r.URL.Path,
			"error", err,
		)
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		body.Message = "internal error"
	default:
		s.logger.Debug("request rejected", "path", r.URL.Path, "code", code, "error", err)
	}

	s.writeJSON(w, status, map[string]any{"error": body})
}

func logAttrs(rec *redemption.Request) []any {
	if rec == nil {
		return nil
	}
	return []any{slog.String("request_id", rec.ID), slog.String("status", string(rec.Status))}
}
