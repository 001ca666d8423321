package submission

import (
	"context"
	"errors"
	"time"
)

// Submission item states. Confirmed, rejected and error are terminal.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
	StatusError     = "error"
)

// Item is one measurement pending delivery to the regulatory
// endpoint. State transitions are owned exclusively by the queue.
type Item struct {
	ID       string
	TenantID string
	PointID  string
	SiteCode string
	// MeasuredAt is the measurement instant; the outbound payload
	// carries its local date and time separately.
	MeasuredAt time.Time

	Totalizer int64
	Flow      float64
	Level     float64

	Status        string
	Attempts      int
	LastCode      string
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks item invariants.
func (i Item) Validate() error {
	if i.ID == "" {
		return errors.New("submission item: empty id")
	}
	if i.TenantID == "" {
		return errors.New("submission item: empty tenant id")
	}
	if i.PointID == "" {
		return errors.New("submission item: empty point id")
	}
	if i.SiteCode == "" {
		return errors.New("submission item: empty site code")
	}
	if i.MeasuredAt.IsZero() {
		return errors.New("submission item: zero measurement time")
	}
	if i.Totalizer < 0 {
		return errors.New("submission item: negative totalizer")
	}
	if i.Flow < 0 {
		return errors.New("submission item: negative flow")
	}
	if i.Level < 0 {
		return errors.New("submission item: negative level")
	}
	return nil
}

// Terminal reports whether the item can transition no further.
func (i Item) Terminal() bool {
	switch i.Status {
	case StatusConfirmed, StatusRejected, StatusError:
		return true
	default:
		return false
	}
}

// Repository persists submission items.
type Repository interface {
	Insert(ctx context.Context, item Item) error
	// FindPending returns pending items whose next attempt is due,
	// oldest first.
	FindPending(ctx context.Context, now time.Time, limit int) ([]Item, error)
	MarkSent(ctx context.Context, id string) error
	MarkConfirmed(ctx context.Context, id, code, description string) error
	MarkRejected(ctx context.Context, id, code, description string) error
	// MarkRetry returns the item to pending with an incremented
	// attempt counter and a deferred next attempt.
	MarkRetry(ctx context.Context, id, lastError string, nextAttempt time.Time) error
	// MarkError moves the item to the terminal error state.
	MarkError(ctx context.Context, id, lastError string) error
	CountByStatus(ctx context.Context, tenantID string) (map[string]int, error)
}
