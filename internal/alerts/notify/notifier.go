package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	alerts "aquaflow/internal/alerts/domain"
)

// Notifier publishes alert records to a delivery channel.
type Notifier interface {
	Notify(ctx context.Context, alert alerts.Alert)
}

// Channel delivers alert records.
type Channel interface {
	Send(ctx context.Context, alert alerts.Alert) error
}

// ChannelNotifier sends alerts through a channel, suppressing repeats
// of the same (device, type) within the dedupe window.
type ChannelNotifier struct {
	channel Channel
	logger  *log.Logger
	window  time.Duration
	timeout time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// Option configures the notifier.
type Option func(*ChannelNotifier)

// WithDedupeWindow sets the suppression window for repeated alerts.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *ChannelNotifier) {
		if window > 0 {
			n.window = window
		}
	}
}

// WithSendTimeout bounds each channel send.
func WithSendTimeout(timeout time.Duration) Option {
	return func(n *ChannelNotifier) {
		if timeout > 0 {
			n.timeout = timeout
		}
	}
}

// NewChannelNotifier constructs a channel notifier.
func NewChannelNotifier(channel Channel, logger *log.Logger, opts ...Option) (*ChannelNotifier, error) {
	if channel == nil {
		return nil, fmt.Errorf("alert notifier: nil channel")
	}
	if logger == nil {
		logger = log.Default()
	}
	notifier := &ChannelNotifier{
		channel: channel,
		logger:  logger,
		timeout: 5 * time.Second,
		seen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(notifier)
	}
	return notifier, nil
}

// Notify sends the alert. Send failures are logged, never propagated;
// notification delivery must not affect ingestion.
func (n *ChannelNotifier) Notify(ctx context.Context, alert alerts.Alert) {
	if n == nil {
		return
	}
	if n.window > 0 && n.suppressed(alert) {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.channel.Send(sendCtx, alert); err != nil {
		n.logger.Printf("alert notifier: send tenant=%s device=%s type=%s: %v", alert.TenantID, alert.DeviceID, alert.Type, err)
	}
}

func (n *ChannelNotifier) suppressed(alert alerts.Alert) bool {
	key := alert.TenantID + "/" + alert.DeviceID + "/" + alert.Type
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.seen[key]; ok && now.Sub(last) < n.window {
		return true
	}
	n.seen[key] = now
	return false
}

// MultiNotifier fans alerts out to several notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify forwards the alert to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, alert alerts.Alert) {
	if m == nil {
		return
	}
	for _, notifier := range m.notifiers {
		if notifier != nil {
			notifier.Notify(ctx, alert)
		}
	}
}
