package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	broker "aquaflow/internal/broker/domain"
)

const defaultConfigTable = "tenant_broker_configs"

// ConfigRepository is a Postgres implementation for broker configs.
type ConfigRepository struct {
	db    *sql.DB
	table string
}

// ConfigOption configures the repository.
type ConfigOption func(*ConfigRepository)

// WithConfigTable overrides the table name.
func WithConfigTable(table string) ConfigOption {
	return func(r *ConfigRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewConfigRepository constructs a broker config repository.
func NewConfigRepository(db *sql.DB, opts ...ConfigOption) *ConfigRepository {
	repo := &ConfigRepository{db: db, table: defaultConfigTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ListEnabled returns enabled broker configurations.
func (r *ConfigRepository) ListEnabled(ctx context.Context) ([]broker.Config, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("broker config repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, tenant_id, provider, host, port, username, password, use_tls,
       topic_prefix, qos, keepalive_seconds, reconnect_delay_seconds,
       enabled, status, created_at, updated_at
FROM %s
WHERE enabled = TRUE
ORDER BY tenant_id, provider`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []broker.Config
	for rows.Next() {
		var cfg broker.Config
		var qos int
		var keepalive, reconnect int
		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Provider, &cfg.Host, &cfg.Port,
			&cfg.Username, &cfg.Password, &cfg.UseTLS,
			&cfg.TopicPrefix, &qos, &keepalive, &reconnect,
			&cfg.Enabled, &cfg.Status, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cfg.QoS = byte(qos)
		cfg.KeepAlive = time.Duration(keepalive) * time.Second
		cfg.ReconnectDelay = time.Duration(reconnect) * time.Second
		result = append(result, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateStatus records the last known connectivity status.
func (r *ConfigRepository) UpdateStatus(ctx context.Context, id, status, detail string) error {
	if r == nil || r.db == nil {
		return errors.New("broker config repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, status_detail = $2, updated_at = $3
WHERE id = $4`, r.table)
	_, err := r.db.ExecContext(ctx, query, status, detail, time.Now().UTC(), id)
	return err
}
