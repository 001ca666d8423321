package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"aquaflow/internal/eventing"
	measurements "aquaflow/internal/measurements/domain"
	"aquaflow/internal/observability/metrics"
	submission "aquaflow/internal/submission/domain"
	"aquaflow/internal/submission/regulatory"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 5 * time.Minute
)

// Submitter delivers payloads to the regulatory endpoint.
type Submitter interface {
	BuildPayload(siteCode string, measuredAt time.Time, totalizer int64, flow, level float64) regulatory.Payload
	Submit(ctx context.Context, payload regulatory.Payload) (regulatory.Result, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ErrInconsistentReading rejects enqueueing of known-inconsistent data.
var ErrInconsistentReading = errors.New("submission queue: inconsistent reading")

// ErrNegativeValue rejects enqueueing of negative required fields.
var ErrNegativeValue = errors.New("submission queue: negative value")

// EnqueueRequest is one measurement cycle qualifying for submission.
type EnqueueRequest struct {
	TenantID   string
	PointID    string
	SiteCode   string
	MeasuredAt time.Time
	Totalizer  int64
	Flow       float64
	Level      float64
	// TotalDelta and FlowZero describe the cycle's consistency
	// outcome; a zero flow against a positive delta never ships.
	TotalDelta float64
	FlowZero   bool
}

// Queue tracks measurements destined for the regulatory endpoint and
// delivers them at-least-once with bounded retries and backoff.
type Queue struct {
	items        submission.Repository
	measurements measurements.Repository
	submitter    Submitter
	logger       *log.Logger
	clock        Clock

	maxRetries int
	backoff    time.Duration

	// batchMu serializes batch passes; it is the only global lock in
	// the system and is held for a single pass at most.
	batchMu sync.Mutex
}

// QueueOption customizes the queue.
type QueueOption func(*Queue)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(maxRetries int) QueueOption {
	return func(q *Queue) {
		if maxRetries > 0 {
			q.maxRetries = maxRetries
		}
	}
}

// WithBackoff overrides the base retry delay.
func WithBackoff(backoff time.Duration) QueueOption {
	return func(q *Queue) {
		if backoff > 0 {
			q.backoff = backoff
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// NewQueue constructs a submission queue.
func NewQueue(items submission.Repository, measurementRepo measurements.Repository, submitter Submitter, logger *log.Logger, opts ...QueueOption) (*Queue, error) {
	if items == nil {
		return nil, errors.New("submission queue: nil item repository")
	}
	if measurementRepo == nil {
		return nil, errors.New("submission queue: nil measurement repository")
	}
	if submitter == nil {
		return nil, errors.New("submission queue: nil submitter")
	}
	if logger == nil {
		logger = log.Default()
	}
	queue := &Queue{
		items:        items,
		measurements: measurementRepo,
		submitter:    submitter,
		logger:       logger,
		clock:        systemClock{},
		maxRetries:   defaultMaxRetries,
		backoff:      defaultBackoff,
	}
	for _, opt := range opts {
		opt(queue)
	}
	return queue, nil
}

// Enqueue creates a pending submission item for a qualifying
// measurement. Known-inconsistent readings and negative required
// fields are rejected outright.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) error {
	if req.Totalizer < 0 || req.Flow < 0 || req.Level < 0 {
		return ErrNegativeValue
	}
	if req.FlowZero && req.TotalDelta > 0 {
		return ErrInconsistentReading
	}

	item := submission.Item{
		ID:            eventing.NewID(),
		TenantID:      req.TenantID,
		PointID:       req.PointID,
		SiteCode:      req.SiteCode,
		MeasuredAt:    req.MeasuredAt,
		Totalizer:     req.Totalizer,
		Flow:          req.Flow,
		Level:         req.Level,
		Status:        submission.StatusPending,
		NextAttemptAt: q.clock.Now(),
	}
	if err := q.items.Insert(ctx, item); err != nil {
		return err
	}
	metrics.ObserveSubmissionEnqueued()
	return nil
}

// ProcessBatch dequeues up to batchSize due items and submits each.
// Exactly one pass runs at a time; a pass that finds the queue already
// being processed is a no-op. Returns the number of items handled.
func (q *Queue) ProcessBatch(ctx context.Context, batchSize int) (int, error) {
	if !q.batchMu.TryLock() {
		return 0, nil
	}
	defer q.batchMu.Unlock()

	items, err := q.items.FindPending(ctx, q.clock.Now(), batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, item := range items {
		// FindPending only yields pending items; the guard keeps a
		// terminal item from ever reaching the endpoint twice.
		if item.Status != submission.StatusPending {
			continue
		}
		q.submitOne(ctx, item)
		processed++
	}
	return processed, nil
}

// Run processes batches on an interval until the context is cancelled.
// An in-flight batch always completes; cancellation only stops new
// passes.
func (q *Queue) Run(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessBatch(context.Background(), batchSize); err != nil {
				q.logger.Printf("submission queue: batch pass: %v", err)
			}
		}
	}
}

// submitOne delivers first and records state after. A mark failure
// after a successful delivery leaves the item pending, so the next
// pass submits it again; the at-least-once contract admits that
// duplicate, and losing a delivered item does not.
func (q *Queue) submitOne(ctx context.Context, item submission.Item) {
	payload := q.submitter.BuildPayload(item.SiteCode, item.MeasuredAt, item.Totalizer, item.Flow, item.Level)
	result, err := q.submitter.Submit(ctx, payload)

	switch {
	case err == nil:
		if markErr := q.items.MarkSent(ctx, item.ID); markErr != nil {
			q.logger.Printf("submission queue: mark sent item=%s: %v", item.ID, markErr)
			return
		}
		if markErr := q.items.MarkConfirmed(ctx, item.ID, result.Code, result.Description); markErr != nil {
			q.logger.Printf("submission queue: mark confirmed item=%s: %v", item.ID, markErr)
		}
		metrics.ObserveSubmissionResult("confirmed")

	case errors.Is(err, regulatory.ErrRejected):
		// Remote validation failure is terminal; the verdict is
		// persisted verbatim.
		if markErr := q.items.MarkSent(ctx, item.ID); markErr != nil {
			q.logger.Printf("submission queue: mark sent item=%s: %v", item.ID, markErr)
			return
		}
		if markErr := q.items.MarkRejected(ctx, item.ID, result.Code, result.Description); markErr != nil {
			q.logger.Printf("submission queue: mark rejected item=%s: %v", item.ID, markErr)
		}
		metrics.ObserveSubmissionResult("rejected")
		q.logger.Printf("submission queue: rejected item=%s point=%s code=%s: %s", item.ID, item.PointID, result.Code, result.Description)

	default:
		q.retryOrFail(ctx, item, err)
	}
}

func (q *Queue) retryOrFail(ctx context.Context, item submission.Item, cause error) {
	if item.Attempts+1 > q.maxRetries {
		if err := q.items.MarkError(ctx, item.ID, cause.Error()); err != nil {
			q.logger.Printf("submission queue: mark error item=%s: %v", item.ID, err)
		}
		for _, variable := range []string{"total", "flow", "level"} {
			if err := q.measurements.MarkSubmissionFailed(ctx, item.PointID, variable, item.MeasuredAt); err != nil {
				q.logger.Printf("submission queue: flag measurement point=%s variable=%s: %v", item.PointID, variable, err)
			}
		}
		metrics.ObserveSubmissionResult("error")
		q.logger.Printf("submission queue: retries exhausted item=%s point=%s: %v", item.ID, item.PointID, cause)
		return
	}

	// Backoff doubles per attempt: 5m, 10m, 20m by default.
	delay := q.backoff << uint(item.Attempts)
	next := q.clock.Now().Add(delay)
	if err := q.items.MarkRetry(ctx, item.ID, cause.Error(), next); err != nil {
		q.logger.Printf("submission queue: mark retry item=%s: %v", item.ID, err)
	}
	metrics.ObserveSubmissionResult("retry")
	q.logger.Printf("submission queue: transport error item=%s attempt=%d next=%s: %v", item.ID, item.Attempts+1, next.Format(time.RFC3339), cause)
}
