package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	alerts "aquaflow/internal/alerts/domain"
)

const defaultAlertTable = "alerts"

// AlertRepository is a Postgres implementation for alert records.
type AlertRepository struct {
	db    *sql.DB
	table string
}

// AlertOption configures the repository.
type AlertOption func(*AlertRepository)

// WithAlertTable overrides the table name.
func WithAlertTable(table string) AlertOption {
	return func(r *AlertRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewAlertRepository constructs an alert repository.
func NewAlertRepository(db *sql.DB, opts ...AlertOption) *AlertRepository {
	repo := &AlertRepository{db: db, table: defaultAlertTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Insert writes alert records.
func (r *AlertRepository) Insert(ctx context.Context, batch []alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if len(batch) == 0 {
		return nil
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf(`
INSERT INTO %s (
	id, tenant_id, device_id, point_id, type, severity, message, value, created_at
) VALUES `, r.table))

	args := make([]any, 0, len(batch)*9)
	for i, alert := range batch {
		if err := alert.Validate(); err != nil {
			return err
		}
		if i > 0 {
			builder.WriteString(", ")
		}
		base := i * 9
		builder.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args,
			alert.ID, alert.TenantID, alert.DeviceID, alert.PointID,
			alert.Type, alert.Severity, alert.Message, alert.Value, alert.CreatedAt.UTC(),
		)
	}
	builder.WriteString(" ON CONFLICT (id) DO NOTHING")

	_, err := r.db.ExecContext(ctx, builder.String(), args...)
	return err
}

// ListRecent returns the tenant's newest alerts.
func (r *AlertRepository) ListRecent(ctx context.Context, tenantID string, limit int) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, tenant_id, device_id, point_id, type, severity, message, value, created_at
FROM %s
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2`, r.table)

	rows, err := r.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Alert
	for rows.Next() {
		var alert alerts.Alert
		if err := rows.Scan(
			&alert.ID, &alert.TenantID, &alert.DeviceID, &alert.PointID,
			&alert.Type, &alert.Severity, &alert.Message, &alert.Value, &alert.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
