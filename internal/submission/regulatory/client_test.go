package regulatory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_BuildPayloadLocalFields(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	client, err := NewClient("http://example.invalid", "", WithLocation(loc))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	// 11:00 UTC is 12:00 in Madrid in March (CET, UTC+1).
	measuredAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	payload := client.BuildPayload("SITE-001", measuredAt, 1534, 15.5, 2.3)
	if payload.Date != "2026-03-01" {
		t.Fatalf("expected local date, got %s", payload.Date)
	}
	if payload.Time != "12:00:00" {
		t.Fatalf("expected local time, got %s", payload.Time)
	}
	if payload.SiteCode != "SITE-001" || payload.Totalizer != 1534 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestClient_SubmitAccepted(t *testing.T) {
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/measurements" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "OK", "description": "accepted"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "token-1")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Submit(context.Background(), Payload{SiteCode: "SITE-001", Totalizer: 1534})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Accepted || result.Code != "OK" {
		t.Fatalf("expected accepted OK, got %+v", result)
	}
	if received.SiteCode != "SITE-001" {
		t.Fatalf("payload not delivered: %+v", received)
	}
}

func TestClient_SubmitRejectedVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "ERR_DUP", "description": "duplicate reading"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Submit(context.Background(), Payload{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if result.Code != "ERR_DUP" || result.Description != "duplicate reading" {
		t.Fatalf("expected verbatim verdict, got %+v", result)
	}
}

func TestClient_SubmitErrorCodeIn2xxIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "ERR_RANGE", "description": "flow out of range"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result, err := client.Submit(context.Background(), Payload{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if result.Code != "ERR_RANGE" {
		t.Fatalf("expected ERR_RANGE, got %+v", result)
	}
}

func TestClient_ServerErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Submit(context.Background(), Payload{})
	if err == nil || errors.Is(err, ErrRejected) {
		t.Fatalf("expected transport error, got %v", err)
	}
}
