package application

import (
	"context"
	"errors"
	"log"
	"sort"

	schema "aquaflow/internal/schema/domain"
)

// Match is a resolved (mapping, schema) pair.
type Match struct {
	Mapping schema.Mapping
	Schema  schema.Schema
}

// Resolver finds the best-matching schema for a raw payload.
type Resolver struct {
	mappings schema.MappingRepository
	schemas  schema.Repository
	logger   *log.Logger
}

// NewResolver constructs a schema resolver.
func NewResolver(mappings schema.MappingRepository, schemas schema.Repository, logger *log.Logger) (*Resolver, error) {
	if mappings == nil {
		return nil, errors.New("schema resolver: nil mapping repository")
	}
	if schemas == nil {
		return nil, errors.New("schema resolver: nil schema repository")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{mappings: mappings, schemas: schemas, logger: logger}, nil
}

// Resolve iterates the tenant's mappings in ascending priority order
// (mapping id breaks ties) and returns the first whose schema's
// required fields are all present in the payload, or nil when none
// match. Resolution is deterministic for a fixed mapping set and
// payload.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, payload map[string]float64) (*Match, error) {
	mappings, err := r.mappings.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, nil
	}

	// Repositories already order by (priority, id); sorting again keeps
	// resolution stable regardless of the mapping source.
	sort.SliceStable(mappings, func(i, j int) bool {
		if mappings[i].Priority != mappings[j].Priority {
			return mappings[i].Priority < mappings[j].Priority
		}
		return mappings[i].ID < mappings[j].ID
	})

	for _, mapping := range mappings {
		sch, err := r.schemas.Get(ctx, mapping.SchemaID)
		if err != nil {
			r.logger.Printf("schema resolver: load schema %s for mapping %s: %v", mapping.SchemaID, mapping.ID, err)
			continue
		}
		if sch == nil {
			r.logger.Printf("schema resolver: mapping %s references missing schema %s", mapping.ID, mapping.SchemaID)
			continue
		}
		if sch.Matches(payload) {
			return &Match{Mapping: mapping, Schema: *sch}, nil
		}
	}
	return nil, nil
}
