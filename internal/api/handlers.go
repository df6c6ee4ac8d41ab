package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/marko911/bullion-redeem/internal/history"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

const maxBodyBytes = 64 * 1024

type createRequest struct {
	Venue           string                     `json:"venue"`
	AssetKind       string                     `json:"assetKind"`
	Quantity        decimal.Decimal            `json:"quantity"`
	DeliveryAddress redemption.DeliveryAddress `json:"deliveryAddress"`
}

type cancelRequest struct {
	ID string `json:"id"`
}

// statusResponse is the short answer to create and cancel calls.
type statusResponse struct {
	ID     string            `json:"id"`
	Status redemption.Status `json:"status"`
}

func (s *Server) handleRequestRedemption(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	venue, err := redemption.ParseVenue(body.Venue)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	asset, err := redemption.ParseAssetKind(body.AssetKind)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	rec, err := s.svc.RequestRedemption(r.Context(), redemption.Intent{
		OwnerID:         OwnerFromContext(r.Context()),
		Venue:           venue,
		AssetKind:       asset,
		Quantity:        body.Quantity,
		DeliveryAddress: body.DeliveryAddress,
	})
	if err != nil {
		s.writeError(w, r, err, rec)
		return
	}

	s.logger.Info("redemption requested", logAttrs(rec)...)
	s.writeJSON(w, http.StatusAccepted, statusResponse{ID: rec.ID, Status: rec.Status})
}

func (s *Server) handleCancelRedemption(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	if strings.TrimSpace(body.ID) == "" {
		s.writeError(w, r, &redemption.ValidationError{Field: "id", Reason: "required"}, nil)
		return
	}

	rec, err := s.svc.CancelRedemption(r.Context(), body.ID, OwnerFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	s.logger.Info("cancellation requested", logAttrs(rec)...)
	s.writeJSON(w, http.StatusAccepted, statusResponse{ID: rec.ID, Status: rec.Status})
}

// handleGetRedemption returns the record. With ?wait=<duration> it first
// waits for an in-flight watch to commit.
func (s *Server) handleGetRedemption(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := OwnerFromContext(r.Context())

	rec, err := s.svc.Get(r.Context(), id, owner)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	if raw := r.URL.Query().Get("wait"); raw != "" && rec.Status.InFlight() {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			s.writeError(w, r, &redemption.ValidationError{Field: "wait", Reason: "must be a positive duration"}, nil)
			return
		}
		if wait > MaxWait {
			wait = MaxWait
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		_, err = s.svc.Await(ctx, id)
		switch {
		case err == nil, errors.Is(err, redemption.ErrNoWatchTask), errors.Is(err, context.DeadlineExceeded):
		case errors.Is(err, redemption.ErrVenueRejected):
			// The rejection is already on the record.
		default:
			s.writeError(w, r, err, rec)
			return
		}

		if rec, err = s.svc.Get(r.Context(), id, owner); err != nil {
			s.writeError(w, r, err, nil)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	page, err := s.svc.ListHistory(r.Context(), OwnerFromContext(r.Context()), q)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleMarkProcessing(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.MarkProcessing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.logger.Info("fulfillment started", logAttrs(rec)...)
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMarkFulfilled(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.MarkFulfilled(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	s.logger.Info("redemption fulfilled", logAttrs(rec)...)
	s.writeJSON(w, http.StatusOK, rec)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &redemption.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// parseHistoryQuery reads page, limit, search, type, status, assetKind,
// dateFrom and dateTo. Dates are RFC 3339 or YYYY-MM-DD; a bare dateTo
// covers the whole day.
func parseHistoryQuery(r *http.Request) (history.Query, error) {
	v := r.URL.Query()
	var q history.Query

	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &q.Page}, {"limit", &q.Limit}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, &redemption.ValidationError{Field: p.name, Reason: "must be an integer"}
		}
		*p.dst = n
	}

	q.Search = v.Get("search")
	q.Status = v.Get("status")
	q.AssetKind = v.Get("assetKind")
	if raw := v.Get("type"); raw != "" {
		t, err := history.ParseEntryType(raw)
		if err != nil {
			return q, err
		}
		q.Type = t
	}

	var err error
	if q.From, err = parseDate("dateFrom", v.Get("dateFrom"), false); err != nil {
		return q, err
	}
	if q.To, err = parseDate("dateTo", v.Get("dateTo"), true); err != nil {
		return q, err
	}

	return q.Normalize()
}

func parseDate(field, raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, &redemption.ValidationError{Field: field, Reason: "must be RFC 3339 or YYYY-MM-DD"}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
