package application

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	alerts "aquaflow/internal/alerts/domain"
	"aquaflow/internal/eventing"
	measurements "aquaflow/internal/measurements/domain"
	"aquaflow/internal/observability/metrics"
	schemaapp "aquaflow/internal/schema/application"
)

// Canonical variable names produced by the engine.
const (
	VarTotal  = "total"
	VarFlow   = "flow"
	VarLevel  = "level"
	VarPulses = "pulses"
)

// Quality scores assigned by processing rules.
const (
	QualityDerived    = 0.8
	QualityOutOfRange = 0.3
)

// Range bounds one variable's plausible values.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Config is the processing configuration for one cycle, assembled from
// schema-declared rules over operator defaults.
type Config struct {
	Name              string
	PulsesPerLiter    float64
	CalibrationFactor float64
	ResetThreshold    float64
	FlowEpsilon       float64
	TotalDeltaEpsilon float64
	Ranges            map[string]Range
}

// Previous carries the last stored totals for reset and consistency
// comparisons. It is sourced from the measurement store once per
// cycle, never queried inside the engine, so it survives restarts.
type Previous struct {
	Total   *float64
	TotalTS time.Time
	Level   *float64
}

// Cycle is one measurement cycle's input.
type Cycle struct {
	TenantID string
	DeviceID string
	PointID  string
	Provider string
	TS       time.Time
	Fields   map[string]schemaapp.Field
	Config   Config
	Previous Previous
}

// Result is the engine's output for one cycle.
type Result struct {
	Measurements []measurements.Measurement
	Alerts       []alerts.Alert

	ResetDetected bool
	Inconsistent  bool
	RangeInvalid  bool

	// Final variable values, present when the cycle carried them.
	Total *float64
	Flow  *float64
	Level *float64
	// TotalDelta is the accumulator increase since the previous cycle;
	// zero across a reset discontinuity.
	TotalDelta float64
}

// Engine applies physical-plausibility rules to transformed fields,
// producing canonical measurements and alert records.
type Engine struct {
	logger *log.Logger
}

// NewEngine constructs a processing rules engine.
func NewEngine(logger *log.Logger) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("processing engine: nil logger")
	}
	return &Engine{logger: logger}, nil
}

// Process runs the rule chain for one cycle: pulse-to-volume
// conversion, counter-reset detection, cross-variable consistency and
// range validation, in that order.
func (e *Engine) Process(cycle Cycle) Result {
	result := Result{}
	cfg := cycle.Config

	total, totalQuality, hasTotal := e.resolveTotal(cycle)
	flow, flowQuality, hasFlow := lookupField(cycle.Fields, VarFlow)
	level, levelQuality, hasLevel := lookupField(cycle.Fields, VarLevel)

	// Counter-reset detection. A strictly lower total always resets;
	// a configured threshold widens detection to large drops.
	if hasTotal && cycle.Previous.Total != nil {
		prev := *cycle.Previous.Total
		decrease := prev - total
		if total < prev || (cfg.ResetThreshold > 0 && decrease >= cfg.ResetThreshold) {
			result.ResetDetected = true
			result.TotalDelta = 0
			result.Alerts = append(result.Alerts, e.alert(cycle, alerts.TypeCounterReset, alerts.SeverityInfo,
				fmt.Sprintf("counter reset: total %g below previous %g, new baseline", total, prev), total))
		} else {
			result.TotalDelta = total - prev
		}
	}

	// Average-flow fallback: derived only when no direct reading is
	// available, at reduced quality. A measured flow always wins.
	flowDerived := false
	if !hasFlow && hasTotal && cycle.Previous.Total != nil && !result.ResetDetected {
		elapsed := cycle.TS.Sub(cycle.Previous.TotalTS)
		if elapsed > 0 {
			flow = result.TotalDelta / elapsed.Hours()
			flowQuality = QualityDerived
			flowDerived = true
			hasFlow = true
		}
	}

	// Cross-variable consistency: a materially positive flow must be
	// matched by an accumulator increase, and vice versa. The
	// implausible field is zeroed rather than propagated. Derived flow
	// is consistent by construction and is not re-checked.
	if hasFlow && hasTotal && cycle.Previous.Total != nil && !result.ResetDetected && !flowDerived {
		switch {
		case flow > cfg.FlowEpsilon && result.TotalDelta <= cfg.TotalDeltaEpsilon:
			result.Inconsistent = true
			result.Alerts = append(result.Alerts, e.alert(cycle, alerts.TypeInconsistency, alerts.SeverityWarning,
				fmt.Sprintf("flow %g with no total increase, flow zeroed", flow), flow))
			flow = 0
		case result.TotalDelta > cfg.TotalDeltaEpsilon && flow <= cfg.FlowEpsilon:
			result.Inconsistent = true
			result.Alerts = append(result.Alerts, e.alert(cycle, alerts.TypeInconsistency, alerts.SeverityWarning,
				fmt.Sprintf("total increased by %g with zero flow", result.TotalDelta), result.TotalDelta))
		}
	}

	// Range validation: out-of-range values stay stored for audit with
	// a lowered quality score.
	type variable struct {
		name    string
		value   float64
		quality float64
		present bool
	}
	vars := []variable{
		{VarTotal, total, totalQuality, hasTotal},
		{VarFlow, flow, flowQuality, hasFlow},
		{VarLevel, level, levelQuality, hasLevel},
	}
	for i, v := range vars {
		if !v.present {
			continue
		}
		bounds, ok := cfg.Ranges[v.name]
		if !ok {
			continue
		}
		if v.value < bounds.Min || v.value > bounds.Max {
			result.RangeInvalid = true
			vars[i].quality = minQuality(v.quality, QualityOutOfRange)
			result.Alerts = append(result.Alerts, e.alert(cycle, alerts.TypeOutOfRange, alerts.SeverityWarning,
				fmt.Sprintf("%s %g outside [%g, %g]", v.name, v.value, bounds.Min, bounds.Max), v.value))
		}
	}

	for _, v := range vars {
		if !v.present {
			continue
		}
		value := v.value
		result.Measurements = append(result.Measurements, measurements.Measurement{
			TenantID:         cycle.TenantID,
			PointID:          cycle.PointID,
			DeviceID:         cycle.DeviceID,
			Variable:         v.name,
			TS:               cycle.TS.UTC(),
			ValueNumeric:     &value,
			Quality:          v.quality,
			Provider:         cycle.Provider,
			ProcessingConfig: cfg.Name,
		})
		switch v.name {
		case VarTotal:
			result.Total = &value
		case VarFlow:
			result.Flow = &value
		case VarLevel:
			result.Level = &value
		}
	}

	for _, alert := range result.Alerts {
		metrics.ObserveAlert(alert.Severity)
	}
	return result
}

// resolveTotal returns the cubic-meter total for the cycle, converting
// raw pulse counts when the configuration declares a pulse factor:
// volume = pulses / (pulsesPerLiter * 1000) * calibrationFactor.
func (e *Engine) resolveTotal(cycle Cycle) (float64, float64, bool) {
	cfg := cycle.Config

	source, quality, ok := lookupField(cycle.Fields, VarPulses)
	if !ok {
		source, quality, ok = lookupField(cycle.Fields, VarTotal)
	}
	if !ok {
		return 0, 0, false
	}
	if cfg.PulsesPerLiter <= 0 {
		return source, quality, true
	}

	calibration := cfg.CalibrationFactor
	if calibration == 0 {
		calibration = 1
	}
	pulses := decimal.NewFromFloat(source)
	perCubicMeter := decimal.NewFromFloat(cfg.PulsesPerLiter).Mul(decimal.New(1000, 0))
	volume := pulses.Div(perCubicMeter).Mul(decimal.NewFromFloat(calibration))
	return volume.InexactFloat64(), quality, true
}

func (e *Engine) alert(cycle Cycle, alertType, severity, message string, value float64) alerts.Alert {
	return alerts.Alert{
		ID:        eventing.NewID(),
		TenantID:  cycle.TenantID,
		DeviceID:  cycle.DeviceID,
		PointID:   cycle.PointID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Value:     value,
		CreatedAt: cycle.TS.UTC(),
	}
}

func lookupField(fields map[string]schemaapp.Field, name string) (float64, float64, bool) {
	field, ok := fields[name]
	if !ok {
		return 0, 0, false
	}
	return field.Value.InexactFloat64(), field.Quality, true
}

func minQuality(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
