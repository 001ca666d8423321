package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	broker "aquaflow/internal/broker/domain"
	"aquaflow/internal/eventing"
	measurements "aquaflow/internal/measurements/domain"
	"aquaflow/internal/observability/metrics"
	"aquaflow/internal/pipeline/events"
	processing "aquaflow/internal/processing/application"
	schemaapp "aquaflow/internal/schema/application"
	schema "aquaflow/internal/schema/domain"
	subapp "aquaflow/internal/submission/application"
)

// Authorizer gates inbound devices.
type Authorizer interface {
	IsAuthorized(ctx context.Context, tenantID, deviceID string) bool
}

// Resolver finds the schema mapping for a payload.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string, payload map[string]float64) (*schemaapp.Match, error)
}

// Transformer applies mapping transforms.
type Transformer interface {
	Transform(payload map[string]float64, mapping schema.Mapping) map[string]schemaapp.Field
}

// Enqueuer accepts qualifying measurements for regulatory submission.
type Enqueuer interface {
	Enqueue(ctx context.Context, req subapp.EnqueueRequest) error
}

// Service runs the ingestion path for one raw message: authorization
// gate, schema resolution, transformation, processing rules,
// persistence and conditional submission enqueueing.
//
// HandleMessage never returns an error: telemetry ingestion is
// fire-and-forget from the device's perspective, so every failure is
// absorbed into logs, metrics and stored state.
type Service struct {
	auth         Authorizer
	resolver     Resolver
	transformer  Transformer
	engine       *processing.Engine
	measurements measurements.Repository
	queue        Enqueuer
	bus          eventing.Bus
	defaults     processing.Config
	logger       *log.Logger
}

// ServiceOption customizes the pipeline.
type ServiceOption func(*Service)

// WithProcessingDefaults sets operator defaults applied beneath
// schema-declared rules.
func WithProcessingDefaults(defaults processing.Config) ServiceOption {
	return func(s *Service) {
		s.defaults = defaults
	}
}

// NewService constructs the ingestion pipeline.
func NewService(auth Authorizer, resolver Resolver, transformer Transformer, engine *processing.Engine, measurementRepo measurements.Repository, queue Enqueuer, bus eventing.Bus, logger *log.Logger, opts ...ServiceOption) (*Service, error) {
	if auth == nil {
		return nil, errors.New("pipeline: nil authorizer")
	}
	if resolver == nil {
		return nil, errors.New("pipeline: nil resolver")
	}
	if transformer == nil {
		return nil, errors.New("pipeline: nil transformer")
	}
	if engine == nil {
		return nil, errors.New("pipeline: nil engine")
	}
	if measurementRepo == nil {
		return nil, errors.New("pipeline: nil measurement repository")
	}
	if queue == nil {
		return nil, errors.New("pipeline: nil queue")
	}
	if logger == nil {
		logger = log.Default()
	}
	service := &Service{
		auth:         auth,
		resolver:     resolver,
		transformer:  transformer,
		engine:       engine,
		measurements: measurementRepo,
		queue:        queue,
		bus:          bus,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// HandleMessage processes one routed inbound message.
func (s *Service) HandleMessage(ctx context.Context, msg broker.InboundMessage) {
	start := time.Now()
	result := "ok"
	defer func() {
		metrics.ObserveProcessing(result, time.Since(start))
	}()

	payload, err := parsePayload(msg.Payload)
	if err != nil {
		s.logger.Printf("pipeline: malformed payload tenant=%s device=%s topic=%s: %v", msg.TenantID, msg.DeviceID, msg.Topic, err)
		metrics.ObserveMessageDropped("malformed_payload")
		result = "malformed"
		return
	}

	if !s.auth.IsAuthorized(ctx, msg.TenantID, msg.DeviceID) {
		s.logger.Printf("pipeline: unauthorized tenant=%s device=%s topic=%s", msg.TenantID, msg.DeviceID, msg.Topic)
		metrics.ObserveMessageDropped("unauthorized")
		result = "unauthorized"
		return
	}

	match, err := s.resolver.Resolve(ctx, msg.TenantID, payload)
	if err != nil {
		s.logger.Printf("pipeline: resolve tenant=%s device=%s: %v", msg.TenantID, msg.DeviceID, err)
		result = "resolve_error"
		return
	}
	if match == nil {
		// Fatal for this message: without a schema the fields cannot
		// be interpreted.
		s.logger.Printf("pipeline: no matching schema tenant=%s device=%s topic=%s", msg.TenantID, msg.DeviceID, msg.Topic)
		metrics.ObserveMessageDropped("no_schema")
		result = "no_schema"
		return
	}

	fields := s.transformer.Transform(payload, match.Mapping)
	previous := s.loadPrevious(ctx, msg.TenantID, msg.DeviceID)

	cycle := processing.Cycle{
		TenantID: msg.TenantID,
		DeviceID: msg.DeviceID,
		PointID:  match.Mapping.PointID,
		Provider: msg.Provider,
		TS:       msg.ReceivedAt,
		Fields:   fields,
		Config:   buildProcessingConfig(match.Schema, s.defaults),
		Previous: previous,
	}
	outcome := s.engine.Process(cycle)

	if err := s.measurements.Save(ctx, outcome.Measurements); err != nil {
		s.logger.Printf("pipeline: save measurements tenant=%s device=%s: %v", msg.TenantID, msg.DeviceID, err)
		result = "save_error"
		return
	}

	enqueued := s.maybeEnqueue(ctx, msg, match.Mapping, outcome)
	s.publishProcessed(ctx, msg, match.Mapping, outcome, enqueued)
}

func (s *Service) loadPrevious(ctx context.Context, tenantID, deviceID string) processing.Previous {
	previous := processing.Previous{}
	if last, err := s.measurements.FindLatestByDevice(ctx, tenantID, deviceID, processing.VarTotal); err != nil {
		s.logger.Printf("pipeline: load previous total tenant=%s device=%s: %v", tenantID, deviceID, err)
	} else if last != nil && last.ValueNumeric != nil {
		previous.Total = last.ValueNumeric
		previous.TotalTS = last.TS
	}
	if last, err := s.measurements.FindLatestByDevice(ctx, tenantID, deviceID, processing.VarLevel); err != nil {
		s.logger.Printf("pipeline: load previous level tenant=%s device=%s: %v", tenantID, deviceID, err)
	} else if last != nil && last.ValueNumeric != nil {
		previous.Level = last.ValueNumeric
	}
	return previous
}

// maybeEnqueue hands a qualifying cycle to the submission queue. A
// cycle qualifies when it carries both total and flow, nothing was out
// of range and no reset discontinuity occurred.
func (s *Service) maybeEnqueue(ctx context.Context, msg broker.InboundMessage, mapping schema.Mapping, outcome processing.Result) bool {
	if mapping.SiteCode == "" {
		return false
	}
	if outcome.Total == nil || outcome.Flow == nil || outcome.RangeInvalid || outcome.ResetDetected {
		return false
	}

	level := 0.0
	if outcome.Level != nil {
		level = *outcome.Level
	}
	req := subapp.EnqueueRequest{
		TenantID:   msg.TenantID,
		PointID:    mapping.PointID,
		SiteCode:   mapping.SiteCode,
		MeasuredAt: msg.ReceivedAt,
		Totalizer:  int64(*outcome.Total * 1000), // liters, integer totalizer
		Flow:       *outcome.Flow,
		Level:      level,
		TotalDelta: outcome.TotalDelta,
		FlowZero:   *outcome.Flow == 0,
	}
	if err := s.queue.Enqueue(ctx, req); err != nil {
		if errors.Is(err, subapp.ErrInconsistentReading) || errors.Is(err, subapp.ErrNegativeValue) {
			s.logger.Printf("pipeline: submission skipped tenant=%s point=%s: %v", msg.TenantID, mapping.PointID, err)
			return false
		}
		s.logger.Printf("pipeline: enqueue tenant=%s point=%s: %v", msg.TenantID, mapping.PointID, err)
		return false
	}
	return true
}

func (s *Service) publishProcessed(ctx context.Context, msg broker.InboundMessage, mapping schema.Mapping, outcome processing.Result, enqueued bool) {
	if s.bus == nil {
		return
	}
	variables := make(map[string]float64, len(outcome.Measurements))
	for _, m := range outcome.Measurements {
		if m.ValueNumeric != nil {
			variables[m.Variable] = *m.ValueNumeric
		}
	}
	event := events.MeasurementProcessed{
		TenantID:   msg.TenantID,
		DeviceID:   msg.DeviceID,
		PointID:    mapping.PointID,
		Provider:   msg.Provider,
		TS:         msg.ReceivedAt,
		Variables:  variables,
		Alerts:     outcome.Alerts,
		Enqueued:   enqueued,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Printf("pipeline: publish processed tenant=%s device=%s: %v", msg.TenantID, msg.DeviceID, err)
	}
}

// parsePayload decodes a flat JSON object, keeping numeric fields.
func parsePayload(raw []byte) (map[string]float64, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	payload := make(map[string]float64, len(decoded))
	for name, value := range decoded {
		switch v := value.(type) {
		case float64:
			payload[name] = v
		case bool:
			if v {
				payload[name] = 1
			} else {
				payload[name] = 0
			}
		default:
			// Non-numeric fields carry no measurement value.
		}
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("no numeric fields")
	}
	return payload, nil
}

// buildProcessingConfig assembles the engine configuration from
// schema-declared rules over operator defaults.
func buildProcessingConfig(sch schema.Schema, defaults processing.Config) processing.Config {
	cfg := processing.Config{
		Name:              fmt.Sprintf("%s@v%d", sch.Name, sch.Version),
		FlowEpsilon:       defaults.FlowEpsilon,
		TotalDeltaEpsilon: defaults.TotalDeltaEpsilon,
	}
	if len(defaults.Ranges) > 0 {
		cfg.Ranges = make(map[string]processing.Range, len(defaults.Ranges))
		for name, bounds := range defaults.Ranges {
			cfg.Ranges[name] = bounds
		}
	}

	for _, rule := range sch.Rules {
		switch rule.Type {
		case schema.RuleTypePulseConversion:
			cfg.PulsesPerLiter = rule.Params["pulses_per_liter"]
			cfg.CalibrationFactor = rule.Params["calibration_factor"]
		case schema.RuleTypeResetThreshold:
			cfg.ResetThreshold = rule.Params["threshold"]
		case schema.RuleTypeRange:
			if rule.Field == "" {
				continue
			}
			if cfg.Ranges == nil {
				cfg.Ranges = make(map[string]processing.Range)
			}
			cfg.Ranges[rule.Field] = processing.Range{
				Min: rule.Params["min"],
				Max: rule.Params["max"],
			}
		}
	}
	return cfg
}
