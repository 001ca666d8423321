package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	devices "aquaflow/internal/devices/domain"
)

const defaultAuthorizationTable = "device_authorizations"

// AuthorizationRepository is a Postgres implementation for device
// authorization records.
type AuthorizationRepository struct {
	db    *sql.DB
	table string
}

// AuthorizationOption configures the repository.
type AuthorizationOption func(*AuthorizationRepository)

// WithAuthorizationTable overrides the table name.
func WithAuthorizationTable(table string) AuthorizationOption {
	return func(r *AuthorizationRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewAuthorizationRepository constructs an authorization repository.
func NewAuthorizationRepository(db *sql.DB, opts ...AuthorizationOption) *AuthorizationRepository {
	repo := &AuthorizationRepository{db: db, table: defaultAuthorizationTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Get returns the authorization record for (tenant, device), or nil
// when none exists.
func (r *AuthorizationRepository) Get(ctx context.Context, tenantID, deviceID string) (*devices.Authorization, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("authorization repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT tenant_id, device_id, active, COALESCE(expires_at, '0001-01-01'::timestamptz), created_at, updated_at
FROM %s
WHERE tenant_id = $1 AND device_id = $2`, r.table)

	var record devices.Authorization
	err := r.db.QueryRowContext(ctx, query, tenantID, deviceID).Scan(
		&record.TenantID, &record.DeviceID, &record.Active,
		&record.ExpiresAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
