package application

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	measurements "aquaflow/internal/measurements/domain"
	submission "aquaflow/internal/submission/domain"
	"aquaflow/internal/submission/regulatory"
)

type stubItemRepo struct {
	items map[string]*submission.Item
}

func newStubItemRepo() *stubItemRepo {
	return &stubItemRepo{items: make(map[string]*submission.Item)}
}

func (s *stubItemRepo) Insert(ctx context.Context, item submission.Item) error {
	copied := item
	s.items[item.ID] = &copied
	return nil
}

func (s *stubItemRepo) FindPending(ctx context.Context, now time.Time, limit int) ([]submission.Item, error) {
	var due []submission.Item
	for _, item := range s.items {
		if item.Status == submission.StatusPending && !item.NextAttemptAt.After(now) {
			due = append(due, *item)
		}
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (s *stubItemRepo) MarkSent(ctx context.Context, id string) error {
	item, ok := s.items[id]
	if !ok || item.Status != submission.StatusPending {
		return errors.New("not pending")
	}
	item.Status = submission.StatusSent
	return nil
}

func (s *stubItemRepo) MarkConfirmed(ctx context.Context, id, code, description string) error {
	item := s.items[id]
	item.Status = submission.StatusConfirmed
	item.LastCode = code
	item.LastError = description
	return nil
}

func (s *stubItemRepo) MarkRejected(ctx context.Context, id, code, description string) error {
	item := s.items[id]
	item.Status = submission.StatusRejected
	item.LastCode = code
	item.LastError = description
	return nil
}

func (s *stubItemRepo) MarkRetry(ctx context.Context, id, lastError string, nextAttempt time.Time) error {
	item := s.items[id]
	item.Status = submission.StatusPending
	item.Attempts++
	item.LastError = lastError
	item.NextAttemptAt = nextAttempt
	return nil
}

func (s *stubItemRepo) MarkError(ctx context.Context, id, lastError string) error {
	item := s.items[id]
	item.Status = submission.StatusError
	item.Attempts++
	item.LastError = lastError
	return nil
}

func (s *stubItemRepo) CountByStatus(ctx context.Context, tenantID string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, item := range s.items {
		counts[item.Status]++
	}
	return counts, nil
}

type stubMeasurementRepo struct {
	flagged []string
}

func (s *stubMeasurementRepo) Save(ctx context.Context, batch []measurements.Measurement) error {
	return nil
}

func (s *stubMeasurementRepo) FindLatestByDevice(ctx context.Context, tenantID, deviceID, variable string) (*measurements.Measurement, error) {
	return nil, nil
}

func (s *stubMeasurementRepo) MarkSubmissionFailed(ctx context.Context, pointID, variable string, ts time.Time) error {
	s.flagged = append(s.flagged, pointID+"/"+variable)
	return nil
}

type stubSubmitter struct {
	results []stubOutcome
	calls   int
}

type stubOutcome struct {
	result regulatory.Result
	err    error
}

func (s *stubSubmitter) BuildPayload(siteCode string, measuredAt time.Time, totalizer int64, flow, level float64) regulatory.Payload {
	return regulatory.Payload{SiteCode: siteCode, Totalizer: totalizer, Flow: flow, Level: level}
}

func (s *stubSubmitter) Submit(ctx context.Context, payload regulatory.Payload) (regulatory.Result, error) {
	outcome := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	s.calls++
	return outcome.result, outcome.err
}

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T, items submission.Repository, measurementRepo measurements.Repository, submitter Submitter, opts ...QueueOption) *Queue {
	t.Helper()
	queue, err := NewQueue(items, measurementRepo, submitter, log.New(io.Discard, "", 0), opts...)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue
}

func enqueueOne(t *testing.T, queue *Queue) {
	t.Helper()
	err := queue.Enqueue(context.Background(), EnqueueRequest{
		TenantID:   "tenant-a",
		PointID:    "pt-1",
		SiteCode:   "SITE-001",
		MeasuredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Totalizer:  1534,
		Flow:       15.5,
		Level:      2.3,
		TotalDelta: 0.5,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestQueue_EnqueueRejectsNegativeValues(t *testing.T) {
	queue := newTestQueue(t, newStubItemRepo(), &stubMeasurementRepo{}, &stubSubmitter{})

	err := queue.Enqueue(context.Background(), EnqueueRequest{Totalizer: -1})
	if !errors.Is(err, ErrNegativeValue) {
		t.Fatalf("expected ErrNegativeValue, got %v", err)
	}
	err = queue.Enqueue(context.Background(), EnqueueRequest{Flow: -0.5})
	if !errors.Is(err, ErrNegativeValue) {
		t.Fatalf("expected ErrNegativeValue, got %v", err)
	}
	err = queue.Enqueue(context.Background(), EnqueueRequest{Level: -2})
	if !errors.Is(err, ErrNegativeValue) {
		t.Fatalf("expected ErrNegativeValue, got %v", err)
	}
}

func TestQueue_EnqueueRejectsInconsistentReading(t *testing.T) {
	queue := newTestQueue(t, newStubItemRepo(), &stubMeasurementRepo{}, &stubSubmitter{})

	err := queue.Enqueue(context.Background(), EnqueueRequest{FlowZero: true, TotalDelta: 1.5})
	if !errors.Is(err, ErrInconsistentReading) {
		t.Fatalf("expected ErrInconsistentReading, got %v", err)
	}
}

func TestQueue_ConfirmedAfterAcceptance(t *testing.T) {
	repo := newStubItemRepo()
	submitter := &stubSubmitter{results: []stubOutcome{
		{result: regulatory.Result{Code: "OK", Accepted: true}},
	}}
	queue := newTestQueue(t, repo, &stubMeasurementRepo{}, submitter)

	enqueueOne(t, queue)
	processed, err := queue.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}
	for _, item := range repo.items {
		if item.Status != submission.StatusConfirmed {
			t.Fatalf("expected confirmed, got %s", item.Status)
		}
		if item.LastCode != "OK" {
			t.Fatalf("expected code OK recorded, got %q", item.LastCode)
		}
	}

	// A confirmed item never reaches the endpoint again.
	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if submitter.calls != 1 {
		t.Fatalf("expected 1 submit call, got %d", submitter.calls)
	}
}

func TestQueue_RejectedIsTerminal(t *testing.T) {
	repo := newStubItemRepo()
	submitter := &stubSubmitter{results: []stubOutcome{
		{result: regulatory.Result{Code: "ERR_RANGE", Description: "flow out of range"}, err: regulatory.ErrRejected},
	}}
	queue := newTestQueue(t, repo, &stubMeasurementRepo{}, submitter)

	enqueueOne(t, queue)
	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	for _, item := range repo.items {
		if item.Status != submission.StatusRejected {
			t.Fatalf("expected rejected, got %s", item.Status)
		}
		if item.LastCode != "ERR_RANGE" || item.LastError != "flow out of range" {
			t.Fatalf("expected verdict persisted verbatim, got %q %q", item.LastCode, item.LastError)
		}
	}

	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if submitter.calls != 1 {
		t.Fatalf("rejected item resubmitted: %d calls", submitter.calls)
	}
}

func TestQueue_RetryBackoffDoublesThenErrors(t *testing.T) {
	repo := newStubItemRepo()
	meas := &stubMeasurementRepo{}
	submitter := &stubSubmitter{results: []stubOutcome{
		{err: errors.New("connection refused")},
	}}
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := newTestQueue(t, repo, meas, submitter,
		WithMaxRetries(3), WithBackoff(5*time.Minute), WithClock(clock))

	enqueueOne(t, queue)

	expectedDelays := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute}
	for attempt, delay := range expectedDelays {
		before := clock.now
		if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
			t.Fatalf("process batch: %v", err)
		}
		for _, item := range repo.items {
			if item.Status != submission.StatusPending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt+1, item.Status)
			}
			if item.Attempts != attempt+1 {
				t.Fatalf("expected %d attempts, got %d", attempt+1, item.Attempts)
			}
			if got := item.NextAttemptAt.Sub(before); got != delay {
				t.Fatalf("attempt %d: expected backoff %s, got %s", attempt+1, delay, got)
			}
		}
		clock.now = clock.now.Add(delay)
	}

	// The fourth failure exhausts the retry budget.
	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	for _, item := range repo.items {
		if item.Status != submission.StatusError {
			t.Fatalf("expected terminal error state, got %s", item.Status)
		}
	}
	if len(meas.flagged) != 3 {
		t.Fatalf("expected total/flow/level flagged, got %v", meas.flagged)
	}
	if submitter.calls != 4 {
		t.Fatalf("expected 4 submit calls, got %d", submitter.calls)
	}

	// Terminal items never re-enter the batch.
	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if submitter.calls != 4 {
		t.Fatalf("terminal item resubmitted: %d calls", submitter.calls)
	}
}

func TestQueue_BackoffDefersNextAttempt(t *testing.T) {
	repo := newStubItemRepo()
	submitter := &stubSubmitter{results: []stubOutcome{
		{err: errors.New("timeout")},
	}}
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := newTestQueue(t, repo, &stubMeasurementRepo{}, submitter, WithClock(clock))

	enqueueOne(t, queue)
	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if submitter.calls != 1 {
		t.Fatalf("expected 1 call, got %d", submitter.calls)
	}

	// Before the backoff elapses nothing is due.
	processed, err := queue.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected no due items, got %d", processed)
	}

	clock.now = clock.now.Add(5 * time.Minute)
	processed, err = queue.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected item due after backoff, got %d", processed)
	}
}

type flakyItemRepo struct {
	*stubItemRepo
	retryFailures int
	sentFailures  int
}

func (f *flakyItemRepo) MarkRetry(ctx context.Context, id, lastError string, nextAttempt time.Time) error {
	if f.retryFailures > 0 {
		f.retryFailures--
		return errors.New("store unavailable")
	}
	return f.stubItemRepo.MarkRetry(ctx, id, lastError, nextAttempt)
}

func (f *flakyItemRepo) MarkSent(ctx context.Context, id string) error {
	if f.sentFailures > 0 {
		f.sentFailures--
		return errors.New("store unavailable")
	}
	return f.stubItemRepo.MarkSent(ctx, id)
}

func TestQueue_FailedRetryMarkKeepsItemPending(t *testing.T) {
	repo := &flakyItemRepo{stubItemRepo: newStubItemRepo(), retryFailures: 1}
	submitter := &stubSubmitter{results: []stubOutcome{
		{err: errors.New("connection refused")},
		{result: regulatory.Result{Code: "OK", Accepted: true}},
	}}
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := newTestQueue(t, repo, &stubMeasurementRepo{}, submitter, WithClock(clock))

	enqueueOne(t, queue)
	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	// The transport failed and recording the retry failed too; the
	// item must stay visible to the next pass.
	for _, item := range repo.items {
		if item.Status != submission.StatusPending {
			t.Fatalf("expected pending after failed retry mark, got %s", item.Status)
		}
	}

	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if submitter.calls != 2 {
		t.Fatalf("expected resubmission, got %d calls", submitter.calls)
	}
	for _, item := range repo.items {
		if item.Status != submission.StatusConfirmed {
			t.Fatalf("expected confirmed, got %s", item.Status)
		}
	}
}

func TestQueue_FailedSentMarkRedelivers(t *testing.T) {
	repo := &flakyItemRepo{stubItemRepo: newStubItemRepo(), sentFailures: 1}
	submitter := &stubSubmitter{results: []stubOutcome{
		{result: regulatory.Result{Code: "OK", Accepted: true}},
	}}
	queue := newTestQueue(t, repo, &stubMeasurementRepo{}, submitter)

	enqueueOne(t, queue)
	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if submitter.calls != 1 {
		t.Fatalf("expected 1 submit call, got %d", submitter.calls)
	}
	// The delivery landed but recording it failed; the item stays
	// pending and the next pass delivers a duplicate instead of
	// losing the item.
	for _, item := range repo.items {
		if item.Status != submission.StatusPending {
			t.Fatalf("expected pending after failed sent mark, got %s", item.Status)
		}
	}

	if _, err := queue.ProcessBatch(context.Background(), 10); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if submitter.calls != 2 {
		t.Fatalf("expected duplicate delivery, got %d calls", submitter.calls)
	}
	for _, item := range repo.items {
		if item.Status != submission.StatusConfirmed {
			t.Fatalf("expected confirmed, got %s", item.Status)
		}
	}
}

func TestQueue_SingleBatchPassAtATime(t *testing.T) {
	repo := newStubItemRepo()
	queue := newTestQueue(t, repo, &stubMeasurementRepo{}, &stubSubmitter{results: []stubOutcome{{}}})

	queue.batchMu.Lock()
	defer queue.batchMu.Unlock()

	enqueueOne(t, queue)
	processed, err := queue.ProcessBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected no-op while another pass holds the lock, got %d", processed)
	}
}
