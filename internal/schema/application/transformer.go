package application

import (
	"log"

	"github.com/shopspring/decimal"

	schema "aquaflow/internal/schema/domain"
)

// Quality scores attached to transformed fields.
const (
	QualityGood     = 1.0
	QualityDegraded = 0.5
)

// Field is one transformed payload field.
type Field struct {
	Name    string
	Value   decimal.Decimal
	Quality float64
	// Degraded marks fields whose transform chain failed; the raw
	// value is retained instead of being dropped.
	Degraded bool
}

// Transformer applies a mapping's declared field operations to a raw
// payload. All arithmetic runs on decimals so repeated multiply/add
// chains do not accumulate binary float error.
type Transformer struct {
	logger *log.Logger
}

// NewTransformer constructs a transformer.
func NewTransformer(logger *log.Logger) *Transformer {
	if logger == nil {
		logger = log.Default()
	}
	return &Transformer{logger: logger}
}

// Transform produces the canonical field set for a payload. Fields
// absent from the mapping pass through unchanged. An unknown operation
// is a configuration error scoped to its field: the raw value is kept
// with a lowered quality score.
func (t *Transformer) Transform(payload map[string]float64, mapping schema.Mapping) map[string]Field {
	chains := make(map[string][]schema.TransformOp, len(mapping.Transforms))
	for _, ft := range mapping.Transforms {
		chains[ft.Field] = ft.Ops
	}

	result := make(map[string]Field, len(payload))
	for name, raw := range payload {
		value := decimal.NewFromFloat(raw)
		ops, mapped := chains[name]
		if !mapped {
			result[name] = Field{Name: name, Value: value, Quality: QualityGood}
			continue
		}

		transformed, ok := applyChain(value, ops)
		if !ok {
			t.logger.Printf("transformer: mapping=%s field=%s: unknown operation, keeping raw value", mapping.ID, name)
			result[name] = Field{Name: name, Value: value, Quality: QualityDegraded, Degraded: true}
			continue
		}
		result[name] = Field{Name: name, Value: transformed, Quality: QualityGood}
	}
	return result
}

func applyChain(value decimal.Decimal, ops []schema.TransformOp) (decimal.Decimal, bool) {
	for _, op := range ops {
		switch op.Op {
		case schema.OpMultiply:
			value = value.Mul(decimal.NewFromFloat(op.Factor))
		case schema.OpAdd:
			value = value.Add(decimal.NewFromFloat(op.Value))
		case schema.OpUnitConvert:
			converted, ok := convertUnit(value, op.FromUnit, op.ToUnit)
			if !ok {
				return value, false
			}
			value = converted
		default:
			return value, false
		}
	}
	return value, true
}

var unitFactors = map[[2]string]decimal.Decimal{
	{"l", "m3"}:    decimal.New(1, -3),  // 0.001
	{"m3", "l"}:    decimal.New(1000, 0),
	{"lps", "m3h"}: decimal.New(36, -1), // 3.6
	{"m3h", "lps"}: decimal.New(1, 0).Div(decimal.New(36, -1)),
	{"cm", "m"}:    decimal.New(1, -2),
	{"mm", "m"}:    decimal.New(1, -3),
	{"m", "cm"}:    decimal.New(100, 0),
	{"m", "mm"}:    decimal.New(1000, 0),
}

func convertUnit(value decimal.Decimal, from, to string) (decimal.Decimal, bool) {
	if from == to {
		return value, true
	}
	factor, ok := unitFactors[[2]string{from, to}]
	if !ok {
		return value, false
	}
	return value.Mul(factor), true
}
