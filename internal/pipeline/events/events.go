package events

import (
	"time"

	alerts "aquaflow/internal/alerts/domain"
)

// MeasurementProcessed is published after a raw message has been
// processed into canonical measurements.
type MeasurementProcessed struct {
	TenantID   string             `json:"tenant_id"`
	DeviceID   string             `json:"device_id"`
	PointID    string             `json:"point_id"`
	Provider   string             `json:"provider"`
	TS         time.Time          `json:"ts"`
	Variables  map[string]float64 `json:"variables"`
	Alerts     []alerts.Alert     `json:"alerts,omitempty"`
	Enqueued   bool               `json:"enqueued"`
	OccurredAt time.Time          `json:"occurred_at"`
}
