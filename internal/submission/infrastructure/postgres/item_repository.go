package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	submission "aquaflow/internal/submission/domain"
)

const defaultItemTable = "submission_items"

// ItemRepository is a Postgres implementation for submission items.
type ItemRepository struct {
	db    *sql.DB
	table string
}

// ItemOption configures the repository.
type ItemOption func(*ItemRepository)

// WithItemTable overrides the table name.
func WithItemTable(table string) ItemOption {
	return func(r *ItemRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewItemRepository constructs a submission item repository.
func NewItemRepository(db *sql.DB, opts ...ItemOption) *ItemRepository {
	repo := &ItemRepository{db: db, table: defaultItemTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Insert writes a new pending item.
func (r *ItemRepository) Insert(ctx context.Context, item submission.Item) error {
	if r == nil || r.db == nil {
		return errors.New("submission repo: nil db")
	}
	if err := item.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, tenant_id, point_id, site_code, measured_at,
	totalizer, flow, level,
	status, attempts, next_attempt_at, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, $9, $10, $10
)
ON CONFLICT (id) DO NOTHING`, r.table)

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.TenantID, item.PointID, item.SiteCode, item.MeasuredAt.UTC(),
		item.Totalizer, item.Flow, item.Level, now, now,
	)
	return err
}

// FindPending returns due pending items, oldest first.
func (r *ItemRepository) FindPending(ctx context.Context, now time.Time, limit int) ([]submission.Item, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("submission repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, tenant_id, point_id, site_code, measured_at,
       totalizer, flow, level,
       status, attempts, COALESCE(last_code, ''), COALESCE(last_error, ''),
       next_attempt_at, created_at, updated_at
FROM %s
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY created_at ASC
LIMIT $2`, r.table)

	rows, err := r.db.QueryContext(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []submission.Item
	for rows.Next() {
		var item submission.Item
		if err := rows.Scan(
			&item.ID, &item.TenantID, &item.PointID, &item.SiteCode, &item.MeasuredAt,
			&item.Totalizer, &item.Flow, &item.Level,
			&item.Status, &item.Attempts, &item.LastCode, &item.LastError,
			&item.NextAttemptAt, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent marks the item in flight.
func (r *ItemRepository) MarkSent(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, `
UPDATE %s SET status = 'sent', updated_at = $1 WHERE id = $2 AND status = 'pending'`)
}

// MarkConfirmed records remote acceptance; terminal.
func (r *ItemRepository) MarkConfirmed(ctx context.Context, id, code, description string) error {
	if r == nil || r.db == nil {
		return errors.New("submission repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'confirmed', last_code = $1, last_error = $2, updated_at = $3
WHERE id = $4`, r.table)
	_, err := r.db.ExecContext(ctx, query, code, description, time.Now().UTC(), id)
	return err
}

// MarkRejected records remote validation failure; terminal.
func (r *ItemRepository) MarkRejected(ctx context.Context, id, code, description string) error {
	if r == nil || r.db == nil {
		return errors.New("submission repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'rejected', last_code = $1, last_error = $2, updated_at = $3
WHERE id = $4`, r.table)
	_, err := r.db.ExecContext(ctx, query, code, description, time.Now().UTC(), id)
	return err
}

// MarkRetry re-queues the item with a deferred next attempt.
func (r *ItemRepository) MarkRetry(ctx context.Context, id, lastError string, nextAttempt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("submission repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'pending', attempts = attempts + 1, last_error = $1,
    next_attempt_at = $2, updated_at = $3
WHERE id = $4`, r.table)
	_, err := r.db.ExecContext(ctx, query, lastError, nextAttempt.UTC(), time.Now().UTC(), id)
	return err
}

// MarkError moves the item to terminal error after retries exhaust.
func (r *ItemRepository) MarkError(ctx context.Context, id, lastError string) error {
	if r == nil || r.db == nil {
		return errors.New("submission repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'error', attempts = attempts + 1, last_error = $1, updated_at = $2
WHERE id = $3`, r.table)
	_, err := r.db.ExecContext(ctx, query, lastError, time.Now().UTC(), id)
	return err
}

// CountByStatus returns item counts per status for a tenant.
func (r *ItemRepository) CountByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("submission repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT status, COUNT(*) FROM %s WHERE tenant_id = $1 GROUP BY status`, r.table)

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *ItemRepository) setStatus(ctx context.Context, id, queryTemplate string) error {
	if r == nil || r.db == nil {
		return errors.New("submission repo: nil db")
	}
	query := fmt.Sprintf(queryTemplate, r.table)
	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}
