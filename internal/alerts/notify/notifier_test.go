package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	alerts "aquaflow/internal/alerts/domain"
)

type countingChannel struct {
	mu    sync.Mutex
	sent  []alerts.Alert
	fail  bool
	calls int
}

func (c *countingChannel) Send(ctx context.Context, alert alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return errors.New("send failure")
	}
	c.sent = append(c.sent, alert)
	return nil
}

func testAlert() alerts.Alert {
	return alerts.Alert{
		ID:        "a-1",
		TenantID:  "tenant-a",
		DeviceID:  "meter-1",
		PointID:   "pt-1",
		Type:      alerts.TypeInconsistency,
		Severity:  alerts.SeverityWarning,
		Message:   "flow 8 with no total increase, flow zeroed",
		Value:     8,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChannelNotifier_DeliversAlert(t *testing.T) {
	channel := &countingChannel{}
	notifier, err := NewChannelNotifier(channel, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), testAlert())
	if len(channel.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(channel.sent))
	}
	got := channel.sent[0]
	if got.DeviceID != "meter-1" || got.Type != alerts.TypeInconsistency || got.Value != 8 {
		t.Fatalf("alert not passed through intact: %+v", got)
	}
}

func TestChannelNotifier_DedupeWindowSuppressesRepeats(t *testing.T) {
	channel := &countingChannel{}
	notifier, err := NewChannelNotifier(channel, log.New(io.Discard, "", 0), WithDedupeWindow(time.Hour))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	notifier.Notify(context.Background(), testAlert())
	notifier.Notify(context.Background(), testAlert())
	if channel.calls != 1 {
		t.Fatalf("expected repeat suppressed, got %d calls", channel.calls)
	}

	// A different alert type for the same device is not a repeat.
	other := testAlert()
	other.Type = alerts.TypeOutOfRange
	notifier.Notify(context.Background(), other)
	if channel.calls != 2 {
		t.Fatalf("expected different type delivered, got %d calls", channel.calls)
	}
}

func TestChannelNotifier_SendFailureDoesNotPropagate(t *testing.T) {
	channel := &countingChannel{fail: true}
	notifier, err := NewChannelNotifier(channel, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	// Must not panic; failures are confined to the log.
	notifier.Notify(context.Background(), testAlert())
}

func TestWebhookChannel_PostsAlertEnvelope(t *testing.T) {
	var received alertEnvelope
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("unexpected content type %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer hook-token" {
			t.Fatalf("unexpected authorization %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL, WithBearerToken("hook-token"))
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := channel.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if received.Source != "aquaflow" || received.Type != alerts.TypeInconsistency {
		t.Fatalf("unexpected envelope: %+v", received)
	}
	if received.TenantID != "tenant-a" || received.DeviceID != "meter-1" || received.PointID != "pt-1" {
		t.Fatalf("alert identifiers not carried: %+v", received)
	}
	if received.RaisedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected raised_at %q", received.RaisedAt)
	}
	for _, fragment := range []string{"[warning]", "device=meter-1", "point=pt-1", "value=8"} {
		if !strings.Contains(received.Summary, fragment) {
			t.Fatalf("summary %q missing %q", received.Summary, fragment)
		}
	}
}

func TestWebhookChannel_Non2xxIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	if err := channel.Send(context.Background(), testAlert()); err == nil {
		t.Fatalf("expected error on non-2xx response")
	}
}

func TestMultiNotifier_FansOut(t *testing.T) {
	first := &countingChannel{}
	second := &countingChannel{}
	logger := log.New(io.Discard, "", 0)
	n1, err := NewChannelNotifier(first, logger)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	n2, err := NewChannelNotifier(second, logger)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	NewMultiNotifier(n1, n2, nil).Notify(context.Background(), testAlert())
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected both channels notified, got %d and %d", first.calls, second.calls)
	}
}
