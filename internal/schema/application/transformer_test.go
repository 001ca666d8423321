package application

import (
	"io"
	"log"
	"math"
	"testing"

	schema "aquaflow/internal/schema/domain"
)

func TestTransformer_MultiplyAddChain(t *testing.T) {
	transformer := NewTransformer(log.New(io.Discard, "", 0))
	mapping := schema.Mapping{
		ID: "map-1",
		Transforms: []schema.FieldTransform{
			{Field: "flow", Ops: []schema.TransformOp{
				{Op: schema.OpMultiply, Factor: 0.1},
				{Op: schema.OpAdd, Value: 0.2},
			}},
		},
	}

	fields := transformer.Transform(map[string]float64{"flow": 3}, mapping)
	flow, ok := fields["flow"]
	if !ok {
		t.Fatalf("flow field missing")
	}
	// 3*0.1+0.2 is exactly 0.5 in decimal arithmetic, a value binary
	// floats only approximate step by step.
	if got := flow.Value.InexactFloat64(); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
	if flow.Quality != QualityGood {
		t.Fatalf("expected good quality, got %v", flow.Quality)
	}
}

func TestTransformer_RepeatedScalingStaysExact(t *testing.T) {
	transformer := NewTransformer(log.New(io.Discard, "", 0))
	ops := make([]schema.TransformOp, 0, 10)
	for i := 0; i < 10; i++ {
		ops = append(ops, schema.TransformOp{Op: schema.OpMultiply, Factor: 0.1})
	}
	mapping := schema.Mapping{
		ID:         "map-1",
		Transforms: []schema.FieldTransform{{Field: "total", Ops: ops}},
	}

	fields := transformer.Transform(map[string]float64{"total": 12345}, mapping)
	got := fields["total"].Value.InexactFloat64()
	want := 12345e-10
	if math.Abs(got-want) > 1e-20 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTransformer_UnitConversion(t *testing.T) {
	transformer := NewTransformer(log.New(io.Discard, "", 0))
	mapping := schema.Mapping{
		ID: "map-1",
		Transforms: []schema.FieldTransform{
			{Field: "total", Ops: []schema.TransformOp{
				{Op: schema.OpUnitConvert, FromUnit: "l", ToUnit: "m3"},
			}},
			{Field: "level", Ops: []schema.TransformOp{
				{Op: schema.OpUnitConvert, FromUnit: "cm", ToUnit: "m"},
			}},
		},
	}

	fields := transformer.Transform(map[string]float64{"total": 1500, "level": 230}, mapping)
	if got := fields["total"].Value.InexactFloat64(); got != 1.5 {
		t.Fatalf("expected 1.5 m3, got %v", got)
	}
	if got := fields["level"].Value.InexactFloat64(); got != 2.3 {
		t.Fatalf("expected 2.3 m, got %v", got)
	}
}

func TestTransformer_UnknownOpKeepsRawValueDegraded(t *testing.T) {
	transformer := NewTransformer(log.New(io.Discard, "", 0))
	mapping := schema.Mapping{
		ID: "map-1",
		Transforms: []schema.FieldTransform{
			{Field: "flow", Ops: []schema.TransformOp{{Op: "sqrt"}}},
		},
	}

	fields := transformer.Transform(map[string]float64{"flow": 15.5}, mapping)
	flow := fields["flow"]
	if got := flow.Value.InexactFloat64(); got != 15.5 {
		t.Fatalf("expected raw value 15.5, got %v", got)
	}
	if !flow.Degraded || flow.Quality != QualityDegraded {
		t.Fatalf("expected degraded field, got %+v", flow)
	}
}

func TestTransformer_UnknownUnitPairDegrades(t *testing.T) {
	transformer := NewTransformer(log.New(io.Discard, "", 0))
	mapping := schema.Mapping{
		ID: "map-1",
		Transforms: []schema.FieldTransform{
			{Field: "level", Ops: []schema.TransformOp{
				{Op: schema.OpUnitConvert, FromUnit: "ft", ToUnit: "m"},
			}},
		},
	}

	fields := transformer.Transform(map[string]float64{"level": 7}, mapping)
	level := fields["level"]
	if got := level.Value.InexactFloat64(); got != 7 {
		t.Fatalf("expected raw value 7, got %v", got)
	}
	if !level.Degraded {
		t.Fatalf("expected degraded field")
	}
}

func TestTransformer_UnmappedFieldsPassThrough(t *testing.T) {
	transformer := NewTransformer(log.New(io.Discard, "", 0))
	fields := transformer.Transform(map[string]float64{"battery": 87}, schema.Mapping{ID: "map-1"})

	battery, ok := fields["battery"]
	if !ok {
		t.Fatalf("battery field missing")
	}
	if got := battery.Value.InexactFloat64(); got != 87 {
		t.Fatalf("expected 87, got %v", got)
	}
	if battery.Quality != QualityGood {
		t.Fatalf("expected good quality, got %v", battery.Quality)
	}
}
