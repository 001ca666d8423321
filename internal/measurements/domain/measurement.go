package measurements

import (
	"context"
	"errors"
	"time"
)

// Quality score bounds.
const (
	QualityMin = 0.0
	QualityMax = 1.0
)

// Measurement is a validated, unit-normalized reading for one variable
// at one instant. (PointID, Variable, TS) is unique; rows are immutable
// once written except for superseding quality annotations and the
// submission-failed flag.
type Measurement struct {
	TenantID string
	PointID  string
	DeviceID string
	Variable string
	TS       time.Time

	ValueNumeric *float64
	ValueText    *string
	ValueBool    *bool

	Quality          float64
	Provider         string
	ProcessingConfig string
	SubmissionFailed bool
}

// Validate checks measurement invariants.
func (m Measurement) Validate() error {
	if m.TenantID == "" {
		return errors.New("measurement: empty tenant id")
	}
	if m.PointID == "" {
		return errors.New("measurement: empty point id")
	}
	if m.Variable == "" {
		return errors.New("measurement: empty variable")
	}
	if m.TS.IsZero() {
		return errors.New("measurement: zero timestamp")
	}
	if m.Quality < QualityMin || m.Quality > QualityMax {
		return errors.New("measurement: quality out of range")
	}
	if m.ValueNumeric == nil && m.ValueText == nil && m.ValueBool == nil {
		return errors.New("measurement: no value")
	}
	return nil
}

// Repository persists canonical measurements.
type Repository interface {
	Save(ctx context.Context, batch []Measurement) error
	// FindLatestByDevice returns the most recent stored measurement of
	// the variable for the device, or nil when none exists.
	FindLatestByDevice(ctx context.Context, tenantID, deviceID, variable string) (*Measurement, error)
	// MarkSubmissionFailed flags a measurement whose submission
	// exhausted its retry budget.
	MarkSubmissionFailed(ctx context.Context, pointID, variable string, ts time.Time) error
}
