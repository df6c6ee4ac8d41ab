package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marko911/bullion-redeem/internal/history"
	"github.com/marko911/bullion-redeem/internal/redemption"
)

type fakeService struct {
	request    func(redemption.Intent) (*redemption.Request, error)
	cancel     func(id, owner string) (*redemption.Request, error)
	get        func(id, owner string) (*redemption.Request, error)
	await      func(ctx context.Context, id string) (*redemption.Request, error)
	list       func(owner string, q history.Query) (*history.Page, error)
	processing func(id string) (*redemption.Request, error)
	fulfilled  func(id string) (*redemption.Request, error)
}

func (f *fakeService) RequestRedemption(_ context.Context, in redemption.Intent) (*redemption.Request, error) {
	return f.request(in)
}
func (f *fakeService) CancelRedemption(_ context.Context, id, owner string) (*redemption.Request, error) {
	return f.cancel(id, owner)
}
func (f *fakeService) Get(_ context.Context, id, owner string) (*redemption.Request, error) {
	return f.get(id, owner)
}
func (f *fakeService) Await(ctx context.Context, id string) (*redemption.Request, error) {
	return f.await(ctx, id)
}
func (f *fakeService) ListHistory(_ context.Context, owner string, q history.Query) (*history.Page, error) {
	return f.list(owner, q)
}
func (f *fakeService) MarkProcessing(_ context.Context, id string) (*redemption.Request, error) {
	return f.processing(id)
}
func (f *fakeService) MarkFulfilled(_ context.Context, id string) (*redemption.Request, error) {
	return f.fulfilled(id)
}

const testSecret = "test-secret"

func newTestServer(t *testing.T, svc Service, opts ...Option) (*Server, string) {
	t.Helper()
	auth := NewAuthenticator(AuthConfig{HMACSecret: testSecret})
	token, err := auth.IssueToken("owner-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return NewServer(svc, auth, opts...), token
}

func do(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env struct {
		Error errorBody `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return env.Error
}

var validBody = map[string]any{
	"venue":     "evm",
	"assetKind": "GOLD",
	"quantity":  "5",
	"deliveryAddress": map[string]any{
		"fullName": "A. Holder", "line1": "1 Main St", "city": "Zurich",
		"postalCode": "8001", "country": "CH",
	},
}

func TestServer_HealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{})
	rec := do(t, s.Router(), http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestServer_ReadyEndpoint_WhenDependencyDown(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{},
		WithReadinessCheck("db", func(context.Context) error { return nil }),
		WithReadinessCheck("nats", func(context.Context) error { return errors.New("disconnected") }),
	)
	rec := do(t, s.Router(), http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(rec.Body).Decode(&body)
	reasons, _ := body["reasons"].(map[string]any)
	if reasons["nats"] != "disconnected" || reasons["db"] != nil {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestServer_RequiresToken(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{})
	for _, token := range []string{"", "not-a-jwt"} {
		rec := do(t, s.Router(), http.MethodGet, "/api/v1/history", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rec.Code)
		}
	}

	other := NewAuthenticator(AuthConfig{HMACSecret: "other-secret"})
	forged, _ := other.IssueToken("owner-1", time.Hour)
	if rec := do(t, s.Router(), http.MethodGet, "/api/v1/history", forged, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want 401", rec.Code)
	}
}

func TestServer_RequestRedemption(t *testing.T) {
	var got redemption.Intent
	svc := &fakeService{request: func(in redemption.Intent) (*redemption.Request, error) {
		got = in
		return &redemption.Request{ID: "req-1", Status: redemption.StatusAwaitingConfirmation}, nil
	}}
	s, token := newTestServer(t, svc)

	rec := do(t, s.Router(), http.MethodPost, "/api/v1/redemptions", token, validBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp statusResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.ID != "req-1" || resp.Status != redemption.StatusAwaitingConfirmation {
		t.Errorf("response = %+v", resp)
	}
	if got.OwnerID != "owner-1" || got.Venue != redemption.VenueEVM || got.Quantity.String() != "5" {
		t.Errorf("intent = %+v", got)
	}
}

func TestServer_RequestRedemption_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     map[string]any
		err      error
		rec      *redemption.Request
		wantCode int
		wantErr  string
	}{
		{
			name:     "unknown venue",
			body:     map[string]any{"venue": "bitcoin", "assetKind": "GOLD", "quantity": "1"},
			wantCode: http.StatusBadRequest,
			wantErr:  "validation_failed",
		},
		{
			name:     "validation from service",
			body:     validBody,
			err:      &redemption.ValidationError{Field: "quantity", Reason: "must be greater than zero"},
			wantCode: http.StatusBadRequest,
			wantErr:  "validation_failed",
		},
		{
			name:     "venue unavailable leaves failed record",
			body:     validBody,
			err:      fmt.Errorf("submit redemption req-9: %w", redemption.ErrVenueUnavailable),
			rec:      &redemption.Request{ID: "req-9", Status: redemption.StatusFailed},
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "venue_unavailable",
		},
		{
			name:     "insufficient balance",
			body:     validBody,
			err:      redemption.ErrInsufficientBalance,
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "insufficient_balance",
		},
		{
			name:     "invariant violation",
			body:     validBody,
			err:      &redemption.InvariantError{RequestID: "req-1", Detail: "boom"},
			wantCode: http.StatusInternalServerError,
			wantErr:  "invariant_violation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{request: func(redemption.Intent) (*redemption.Request, error) {
				return tt.rec, tt.err
			}}
			s, token := newTestServer(t, svc)

			rec := do(t, s.Router(), http.MethodPost, "/api/v1/redemptions", token, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decodeError(t, rec)
			if body.Code != tt.wantErr {
				t.Errorf("code = %s, want %s", body.Code, tt.wantErr)
			}
			if tt.rec != nil && (body.RequestID != tt.rec.ID || body.Status != string(tt.rec.Status)) {
				t.Errorf("error body = %+v", body)
			}
		})
	}
}

func TestServer_CancelRedemption_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{redemption.ErrNotOwner, http.StatusForbidden},
		{redemption.ErrNotFound, http.StatusNotFound},
		{redemption.ErrNoVenueHandle, http.StatusConflict},
		{redemption.ErrCancellationInFlight, http.StatusConflict},
		{&redemption.TransitionError{From: redemption.StatusFailed, Event: redemption.EventCancelAccepted}, http.StatusConflict},
		{redemption.ErrUnknownRequestID, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		svc := &fakeService{cancel: func(id, owner string) (*redemption.Request, error) {
			if id != "req-1" || owner != "owner-1" {
				t.Errorf("cancel(%s, %s)", id, owner)
			}
			return nil, tt.err
		}}
		s, token := newTestServer(t, svc)
		rec := do(t, s.Router(), http.MethodPost, "/api/v1/redemptions/cancel", token, map[string]string{"id": "req-1"})
		if rec.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.want)
		}
	}
}

func TestServer_CancelRedemption_RequiresID(t *testing.T) {
	s, token := newTestServer(t, &fakeService{})
	rec := do(t, s.Router(), http.MethodPost, "/api/v1/redemptions/cancel", token, map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestServer_History(t *testing.T) {
	var got history.Query
	svc := &fakeService{list: func(owner string, q history.Query) (*history.Page, error) {
		got = q
		return &history.Page{Data: []history.Entry{}, Pagination: history.Pagination{Page: q.Page, Limit: q.Limit}}, nil
	}}
	s, token := newTestServer(t, svc)

	rec := do(t, s.Router(), http.MethodGet, "/api/v1/history?page=2&limit=10&type=redemption&status=confirmed&dateFrom=2026-01-01&dateTo=2026-01-31&search=gold", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got.Page != 2 || got.Limit != 10 || got.Type != history.TypeRedemption || got.Search != "gold" {
		t.Errorf("query = %+v", got)
	}
	if got.To.Day() != 31 || got.To.Hour() != 23 {
		t.Errorf("dateTo should cover the whole day, got %s", got.To)
	}

	var page history.Page
	_ = json.NewDecoder(rec.Body).Decode(&page)
	if page.Pagination.Page != 2 {
		t.Errorf("pagination = %+v", page.Pagination)
	}
}

func TestServer_History_RejectsBadQuery(t *testing.T) {
	svc := &fakeService{list: func(string, history.Query) (*history.Page, error) {
		t.Error("service must not be called")
		return nil, nil
	}}
	s, token := newTestServer(t, svc)

	for _, q := range []string{"limit=101", "page=0", "page=x", "type=swap", "dateFrom=yesterday", "dateFrom=2026-02-01&dateTo=2026-01-01"} {
		rec := do(t, s.Router(), http.MethodGet, "/api/v1/history?"+q, token, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestServer_GetRedemption_Wait(t *testing.T) {
	var mu sync.Mutex
	status := redemption.StatusAwaitingConfirmation
	awaited := false
	svc := &fakeService{
		get: func(id, owner string) (*redemption.Request, error) {
			mu.Lock()
			defer mu.Unlock()
			return &redemption.Request{ID: id, OwnerID: owner, Status: status}, nil
		},
		await: func(ctx context.Context, id string) (*redemption.Request, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("await without deadline")
			}
			mu.Lock()
			defer mu.Unlock()
			awaited = true
			status = redemption.StatusConfirmed
			return nil, nil
		},
	}
	s, token := newTestServer(t, svc)

	rec := do(t, s.Router(), http.MethodGet, "/api/v1/redemptions/req-1?wait=2s", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got redemption.Request
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if !awaited || got.Status != redemption.StatusConfirmed {
		t.Errorf("awaited=%v status=%s", awaited, got.Status)
	}
}

func TestServer_GetRedemption_WaitTimeout(t *testing.T) {
	svc := &fakeService{
		get: func(id, owner string) (*redemption.Request, error) {
			return &redemption.Request{ID: id, OwnerID: owner, Status: redemption.StatusCancelRequested}, nil
		},
		await: func(context.Context, string) (*redemption.Request, error) {
			return nil, redemption.ErrConfirmationTimeout
		},
	}
	s, token := newTestServer(t, svc)

	rec := do(t, s.Router(), http.MethodGet, "/api/v1/redemptions/req-1?wait=1s", token, nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != "confirmation_timeout" || body.RequestID != "req-1" {
		t.Errorf("error body = %+v", body)
	}
}

func TestServer_OperatorEndpoints(t *testing.T) {
	svc := &fakeService{
		processing: func(id string) (*redemption.Request, error) {
			return &redemption.Request{ID: id, Status: redemption.StatusProcessing}, nil
		},
		fulfilled: func(id string) (*redemption.Request, error) {
			return nil, &redemption.TransitionError{From: redemption.StatusConfirmed, Event: redemption.EventDispatched}
		},
	}
	s, userToken := newTestServer(t, svc, WithOperatorToken("op-token"))
	h := s.Router()

	if rec := do(t, h, http.MethodPost, "/internal/v1/redemptions/req-1/processing", userToken, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("user token: status = %d, want 401", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/internal/v1/redemptions/req-1/processing", "op-token", nil); rec.Code != http.StatusOK {
		t.Errorf("processing: status = %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/internal/v1/redemptions/req-1/fulfilled", "op-token", nil); rec.Code != http.StatusConflict {
		t.Errorf("fulfilled: status = %d, want 409", rec.Code)
	}
}

func TestServer_OperatorEndpointsDisabledWithoutToken(t *testing.T) {
	s, _ := newTestServer(t, &fakeService{})
	if rec := do(t, s.Router(), http.MethodPost, "/internal/v1/redemptions/req-1/processing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

type fakeFeed struct {
	mu      sync.Mutex
	deliver map[string]func([]byte)
	stopped chan string
}

func (f *fakeFeed) Subscribe(_ context.Context, owner string, deliver func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliver[owner] = deliver
	return func() { f.stopped <- owner }, nil
}

func (f *fakeFeed) push(owner string, payload []byte) bool {
	f.mu.Lock()
	fn := f.deliver[owner]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

func TestStreamHandler_PushesOwnerNotifications(t *testing.T) {
	feed := &fakeFeed{deliver: map[string]func([]byte){}, stopped: make(chan string, 1)}
	stream := NewStreamHandler(feed, nil, nil)
	s, token := newTestServer(t, &fakeService{}, WithStream(stream))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/redemptions/stream?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	read := func() map[string]any {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg["type"] != "connected" {
		t.Fatalf("first message = %v", msg)
	}
	if !feed.push("owner-1", []byte(`{"eventType":"redemption.confirmed","requestId":"req-1"}`)) {
		t.Fatal("owner-1 not subscribed")
	}
	msg := read()
	data, _ := msg["data"].(map[string]any)
	if msg["type"] != "notification" || data["requestId"] != "req-1" {
		t.Errorf("notification = %v", msg)
	}

	conn.Close()
	select {
	case owner := <-feed.stopped:
		if owner != "owner-1" {
			t.Errorf("stopped %s", owner)
		}
	case <-time.After(2 * time.Second):
		t.Error("subscription not stopped after disconnect")
	}
}

func TestClassify(t *testing.T) {
	status, code := classify(fmt.Errorf("wrapped: %w", redemption.ErrVenueRejected))
	if status != http.StatusUnprocessableEntity || code != "venue_rejected" {
		t.Errorf("classify = %d %s", status, code)
	}
	if status, _ := classify(errors.New("boom")); status != http.StatusInternalServerError {
		t.Errorf("unknown error status = %d", status)
	}
}
