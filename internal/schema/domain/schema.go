package schema

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Processing rule types declared by a schema.
const (
	RuleTypePulseConversion = "pulse_conversion"
	RuleTypeResetThreshold  = "reset_threshold"
	RuleTypeRange           = "range"
)

// Schema is a named, versioned description of a device payload.
type Schema struct {
	ID             string
	Name           string
	Version        int
	RequiredFields []string
	OptionalFields []string
	Rules          []ProcessingRule
	Priority       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProcessingRule is a schema-declared processing directive.
// Params carry rule-specific numeric settings, e.g. pulses_per_liter
// and calibration_factor for pulse conversion, or min/max for ranges.
type ProcessingRule struct {
	Type   string             `json:"type"`
	Field  string             `json:"field"`
	Params map[string]float64 `json:"params,omitempty"`
}

// Validate checks schema invariants. Field names referenced by rules
// must be a subset of the declared fields.
func (s Schema) Validate() error {
	if s.ID == "" {
		return errors.New("schema: empty id")
	}
	if s.Name == "" {
		return errors.New("schema: empty name")
	}
	if len(s.RequiredFields) == 0 && len(s.OptionalFields) == 0 {
		return errors.New("schema: no declared fields")
	}
	declared := s.DeclaredFields()
	for _, rule := range s.Rules {
		if rule.Type == "" {
			return errors.New("schema: rule with empty type")
		}
		if rule.Field == "" {
			continue
		}
		if !declared[rule.Field] {
			return fmt.Errorf("schema: rule %q references undeclared field %q", rule.Type, rule.Field)
		}
	}
	return nil
}

// DeclaredFields returns the set of required and optional field names.
func (s Schema) DeclaredFields() map[string]bool {
	fields := make(map[string]bool, len(s.RequiredFields)+len(s.OptionalFields))
	for _, name := range s.RequiredFields {
		fields[name] = true
	}
	for _, name := range s.OptionalFields {
		fields[name] = true
	}
	return fields
}

// Matches reports whether every required field is present in the
// payload.
func (s Schema) Matches(payload map[string]float64) bool {
	for _, name := range s.RequiredFields {
		if _, ok := payload[name]; !ok {
			return false
		}
	}
	return true
}

// Transform operation types supported by a mapping.
const (
	OpMultiply    = "multiply"
	OpAdd         = "add"
	OpUnitConvert = "unitConvert"
)

// Mapping binds a tenant to a schema with field transforms and a
// matching priority. Lower priority numbers are tried first.
type Mapping struct {
	ID         string
	TenantID   string
	SchemaID   string
	PointID    string
	SiteCode   string
	Priority   int
	Transforms []FieldTransform
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FieldTransform is the declared operation chain for one field.
type FieldTransform struct {
	Field string        `json:"field"`
	Ops   []TransformOp `json:"ops"`
}

// TransformOp is one operation in a field's chain.
type TransformOp struct {
	Op       string  `json:"op"`
	Factor   float64 `json:"factor,omitempty"`
	Value    float64 `json:"value,omitempty"`
	FromUnit string  `json:"from,omitempty"`
	ToUnit   string  `json:"to,omitempty"`
}

// Validate checks mapping invariants.
func (m Mapping) Validate() error {
	if m.ID == "" {
		return errors.New("schema mapping: empty id")
	}
	if m.TenantID == "" {
		return errors.New("schema mapping: empty tenant id")
	}
	if m.SchemaID == "" {
		return errors.New("schema mapping: empty schema id")
	}
	if m.PointID == "" {
		return errors.New("schema mapping: empty point id")
	}
	return nil
}

// Repository reads schema definitions.
type Repository interface {
	Get(ctx context.Context, id string) (*Schema, error)
}

// MappingRepository reads tenant schema mappings.
type MappingRepository interface {
	ListByTenant(ctx context.Context, tenantID string) ([]Mapping, error)
}
