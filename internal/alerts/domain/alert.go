package alerts

import (
	"context"
	"errors"
	"time"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert kinds raised by the processing rules engine.
const (
	TypeCounterReset     = "counter_reset"
	TypeInconsistency    = "inconsistency"
	TypeOutOfRange       = "out_of_range"
	TypeSubmissionFailed = "submission_failed"
)

// Alert is a record emitted for external notification collaborators.
// Delivery (email, push, in-app) is entirely their responsibility.
type Alert struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	DeviceID  string    `json:"device_id"`
	PointID   string    `json:"point_id"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks alert invariants.
func (a Alert) Validate() error {
	if a.TenantID == "" {
		return errors.New("alert: empty tenant id")
	}
	if a.Type == "" {
		return errors.New("alert: empty type")
	}
	switch a.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return errors.New("alert: invalid severity")
	}
	if a.Message == "" {
		return errors.New("alert: empty message")
	}
	return nil
}

// Repository persists alert records.
type Repository interface {
	Insert(ctx context.Context, batch []Alert) error
	ListRecent(ctx context.Context, tenantID string, limit int) ([]Alert, error)
}
