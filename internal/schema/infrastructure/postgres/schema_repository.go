package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	schema "aquaflow/internal/schema/domain"
)

const (
	defaultSchemaTable  = "data_schemas"
	defaultMappingTable = "schema_mappings"
)

// SchemaRepository is a Postgres implementation for data schemas.
type SchemaRepository struct {
	db    *sql.DB
	table string
}

// SchemaOption configures the schema repository.
type SchemaOption func(*SchemaRepository)

// WithSchemaTable overrides the table name.
func WithSchemaTable(table string) SchemaOption {
	return func(r *SchemaRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewSchemaRepository constructs a schema repository.
func NewSchemaRepository(db *sql.DB, opts ...SchemaOption) *SchemaRepository {
	repo := &SchemaRepository{db: db, table: defaultSchemaTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Get loads a schema by id, validating its invariants.
func (r *SchemaRepository) Get(ctx context.Context, id string) (*schema.Schema, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("schema repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, version, required_fields, optional_fields, rules, priority, created_at, updated_at
FROM %s
WHERE id = $1`, r.table)

	var result schema.Schema
	var required, optional, rules []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&result.ID, &result.Name, &result.Version,
		&required, &optional, &rules,
		&result.Priority, &result.CreatedAt, &result.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(required, &result.RequiredFields); err != nil {
		return nil, fmt.Errorf("schema repo: required_fields for %s: %w", id, err)
	}
	if len(optional) > 0 {
		if err := json.Unmarshal(optional, &result.OptionalFields); err != nil {
			return nil, fmt.Errorf("schema repo: optional_fields for %s: %w", id, err)
		}
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &result.Rules); err != nil {
			return nil, fmt.Errorf("schema repo: rules for %s: %w", id, err)
		}
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	return &result, nil
}

// MappingRepository is a Postgres implementation for schema mappings.
type MappingRepository struct {
	db    *sql.DB
	table string
}

// MappingOption configures the mapping repository.
type MappingOption func(*MappingRepository)

// WithMappingTable overrides the table name.
func WithMappingTable(table string) MappingOption {
	return func(r *MappingRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewMappingRepository constructs a mapping repository.
func NewMappingRepository(db *sql.DB, opts ...MappingOption) *MappingRepository {
	repo := &MappingRepository{db: db, table: defaultMappingTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ListByTenant returns the tenant's mappings ordered by priority then
// id, the resolution order.
func (r *MappingRepository) ListByTenant(ctx context.Context, tenantID string) ([]schema.Mapping, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("mapping repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, tenant_id, schema_id, point_id, site_code, priority, transforms, created_at, updated_at
FROM %s
WHERE tenant_id = $1
ORDER BY priority ASC, id ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []schema.Mapping
	for rows.Next() {
		var mapping schema.Mapping
		var transforms []byte
		if err := rows.Scan(
			&mapping.ID, &mapping.TenantID, &mapping.SchemaID, &mapping.PointID,
			&mapping.SiteCode, &mapping.Priority, &transforms,
			&mapping.CreatedAt, &mapping.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(transforms) > 0 {
			if err := json.Unmarshal(transforms, &mapping.Transforms); err != nil {
				return nil, fmt.Errorf("mapping repo: transforms for %s: %w", mapping.ID, err)
			}
		}
		result = append(result, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
