package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	measurements "aquaflow/internal/measurements/domain"
)

const defaultMeasurementTable = "canonical_measurements"

// MeasurementRepository is a Postgres implementation for canonical
// measurements.
type MeasurementRepository struct {
	db    *sql.DB
	table string
}

// MeasurementOption configures the repository.
type MeasurementOption func(*MeasurementRepository)

// WithMeasurementTable overrides the table name.
func WithMeasurementTable(table string) MeasurementOption {
	return func(r *MeasurementRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewMeasurementRepository constructs a measurement repository.
func NewMeasurementRepository(db *sql.DB, opts ...MeasurementOption) *MeasurementRepository {
	repo := &MeasurementRepository{db: db, table: defaultMeasurementTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Save inserts measurements. Duplicate (point, variable, ts) rows are
// ignored so re-processing a message never produces duplicates.
func (r *MeasurementRepository) Save(ctx context.Context, batch []measurements.Measurement) error {
	if r == nil || r.db == nil {
		return errors.New("measurement repo: nil db")
	}
	if len(batch) == 0 {
		return nil
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf(`
INSERT INTO %s (
	tenant_id, point_id, device_id, variable, ts,
	value_numeric, value_text, value_bool,
	quality, provider, processing_config
) VALUES `, r.table))

	args := make([]any, 0, len(batch)*11)
	for i, m := range batch {
		if err := m.Validate(); err != nil {
			return err
		}
		if i > 0 {
			builder.WriteString(", ")
		}
		base := i * 11
		builder.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		args = append(args,
			m.TenantID, m.PointID, m.DeviceID, m.Variable, m.TS.UTC(),
			m.ValueNumeric, m.ValueText, m.ValueBool,
			m.Quality, m.Provider, m.ProcessingConfig,
		)
	}
	builder.WriteString(" ON CONFLICT (point_id, variable, ts) DO NOTHING")

	_, err := r.db.ExecContext(ctx, builder.String(), args...)
	return err
}

// FindLatestByDevice returns the newest stored measurement of the
// variable for a device, or nil when none exists.
func (r *MeasurementRepository) FindLatestByDevice(ctx context.Context, tenantID, deviceID, variable string) (*measurements.Measurement, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("measurement repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT tenant_id, point_id, device_id, variable, ts,
       value_numeric, value_text, value_bool,
       quality, provider, processing_config, submission_failed
FROM %s
WHERE tenant_id = $1 AND device_id = $2 AND variable = $3
ORDER BY ts DESC
LIMIT 1`, r.table)

	var m measurements.Measurement
	err := r.db.QueryRowContext(ctx, query, tenantID, deviceID, variable).Scan(
		&m.TenantID, &m.PointID, &m.DeviceID, &m.Variable, &m.TS,
		&m.ValueNumeric, &m.ValueText, &m.ValueBool,
		&m.Quality, &m.Provider, &m.ProcessingConfig, &m.SubmissionFailed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CountSince returns how many measurements a tenant stored at or after
// the given instant.
func (r *MeasurementRepository) CountSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("measurement repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT COUNT(*)
FROM %s
WHERE tenant_id = $1 AND ts >= $2`, r.table)

	var count int64
	if err := r.db.QueryRowContext(ctx, query, tenantID, since.UTC()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkSubmissionFailed flags a measurement after its submission retry
// budget is exhausted.
func (r *MeasurementRepository) MarkSubmissionFailed(ctx context.Context, pointID, variable string, ts time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("measurement repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET submission_failed = TRUE
WHERE point_id = $1 AND variable = $2 AND ts = $3`, r.table)
	_, err := r.db.ExecContext(ctx, query, pointID, variable, ts.UTC())
	return err
}
