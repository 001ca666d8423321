package interfaces

import (
	"context"
	"errors"
	"log"

	alerts "aquaflow/internal/alerts/domain"
	"aquaflow/internal/alerts/notify"
	"aquaflow/internal/eventing"
	"aquaflow/internal/pipeline/events"
)

// MeasurementProcessedConsumer persists and fans out alerts raised
// while processing a measurement cycle.
type MeasurementProcessedConsumer struct {
	repo     alerts.Repository
	notifier notify.Notifier
	logger   *log.Logger
}

// NewMeasurementProcessedConsumer constructs the consumer.
func NewMeasurementProcessedConsumer(repo alerts.Repository, notifier notify.Notifier, logger *log.Logger) (*MeasurementProcessedConsumer, error) {
	if repo == nil {
		return nil, errors.New("alerts consumer: nil repository")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MeasurementProcessedConsumer{repo: repo, notifier: notifier, logger: logger}, nil
}

// Register subscribes the consumer on the bus.
func (c *MeasurementProcessedConsumer) Register(bus eventing.Bus) {
	bus.Subscribe(eventing.TypeFor[events.MeasurementProcessed](), c.handle)
}

func (c *MeasurementProcessedConsumer) handle(ctx context.Context, event any) error {
	processed, ok := event.(events.MeasurementProcessed)
	if !ok {
		return errors.New("alerts consumer: unexpected event type")
	}
	if len(processed.Alerts) == 0 {
		return nil
	}

	if err := c.repo.Insert(ctx, processed.Alerts); err != nil {
		c.logger.Printf("alerts consumer: insert tenant=%s device=%s: %v", processed.TenantID, processed.DeviceID, err)
		return err
	}
	if c.notifier != nil {
		for _, alert := range processed.Alerts {
			c.notifier.Notify(ctx, alert)
		}
	}
	return nil
}
