package devices

import (
	"context"
	"time"
)

// Authorization is a durable device authorization record. Records are
// created by the administrative surface; this core only reads them.
type Authorization struct {
	TenantID  string
	DeviceID  string
	Active    bool
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActiveAt reports whether the record authorizes the device at the
// given instant. A device with no active record is never authorized.
func (a Authorization) ActiveAt(now time.Time) bool {
	if !a.Active {
		return false
	}
	if !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt) {
		return false
	}
	return true
}

// AuthorizationRepository reads device authorization records.
// Get returns nil when no record exists.
type AuthorizationRepository interface {
	Get(ctx context.Context, tenantID, deviceID string) (*Authorization, error)
}
