package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/marko911/bullion-redeem/internal/redemption"
)

func TestClient_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/redemptions" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["venue"] != "evm" || body["quantity"] != "2.5" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": "req-1", "status": "awaiting_confirmation"})
	}))
	defer srv.Close()

	res, err := newClient(srv.URL+"/", "tok").request(context.Background(), createRequest{
		Venue: "evm", AssetKind: "gold", Quantity: "2.5",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.ID != "req-1" || res.Status != redemption.StatusAwaitingConfirmation {
		t.Errorf("res = %+v", res)
	}
}

func TestClient_ShowWithWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/redemptions/req-1" || r.URL.Query().Get("wait") != "30s" {
			t.Errorf("unexpected url %s", r.URL)
		}
		json.NewEncoder(w).Encode(redemption.Request{ID: "req-1", Status: redemption.StatusConfirmed, SettlementReference: "0xabc"})
	}))
	defer srv.Close()

	rec, err := newClient(srv.URL, "tok").show(context.Background(), "req-1", 30*time.Second)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if rec.Status != redemption.StatusConfirmed || rec.SettlementReference != "0xabc" {
		t.Errorf("rec = %+v", rec)
	}
}

func TestClient_DecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
		json.NewEncoder(w).Encode(map[string]string{
			"code": "confirmation_timeout", "message": "no confirmation", "requestId": "req-1", "status": "failed",
		})
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, "tok").show(context.Background(), "req-1", time.Minute)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusGatewayTimeout || apiErr.Code != "confirmation_timeout" || apiErr.RequestID != "req-1" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL, "").cancel(context.Background(), "req-1")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Code != "http_error" || apiErr.Message != "upstream broke" {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_HistoryQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("type") != "redemption" || r.URL.Query().Get("page") != "2" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"data":[{"id":"a","type":"redemption","amount":"1","valueUSD":"0"}],"pagination":{"page":2,"limit":20,"total":21,"totalPages":2,"hasPrev":true}}`))
	}))
	defer srv.Close()

	q := url.Values{}
	q.Set("type", "redemption")
	q.Set("page", "2")
	page, err := newClient(srv.URL, "tok").history(context.Background(), q)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Data) != 1 || !page.Pagination.HasPrev || page.Pagination.Total != 21 {
		t.Errorf("page = %+v", page)
	}
}

func TestClient_AdvancePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/v1/redemptions/req-1/fulfilled" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(redemption.Request{ID: "req-1", Status: redemption.StatusFulfilled})
	}))
	defer srv.Close()

	rec, err := newClient(srv.URL, "op").advance(context.Background(), "req-1", "fulfilled")
	if err != nil || rec.Status != redemption.StatusFulfilled {
		t.Fatalf("rec=%+v err=%v", rec, err)
	}
}

func TestSplitID(t *testing.T) {
	id, rest := splitID([]string{"req-1", "--wait", "5s"})
	if id != "req-1" || len(rest) != 2 {
		t.Errorf("got %q %v", id, rest)
	}
	id, rest = splitID([]string{"--wait", "5s", "req-1"})
	if id != "" || len(rest) != 3 {
		t.Errorf("got %q %v", id, rest)
	}
}
