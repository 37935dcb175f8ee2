package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

type stubBonusEvaluator struct {
	evaluateFn func(ctx context.Context, cmd BonusEvaluationCommand) (BonusResult, error)
}

func (s *stubBonusEvaluator) Evaluate(ctx context.Context, cmd BonusEvaluationCommand) (BonusResult, error) {
	if s.evaluateFn != nil {
		return s.evaluateFn(ctx, cmd)
	}
	return BonusResult{}, nil
}

type stubComposer struct {
	composeFn func(ctx context.Context, job SettlementJob, payload NotificationPayload) (Notification, error)
}

func (s *stubComposer) Compose(ctx context.Context, job SettlementJob, payload NotificationPayload) (Notification, error) {
	if s.composeFn != nil {
		return s.composeFn(ctx, job, payload)
	}
	return Notification{Type: payload.Type, OrganizationID: job.OrganizationID}, nil
}

type stubDispatcher struct {
	mu   sync.Mutex
	sent []Notification
	err  error
	done chan struct{}
}

func (s *stubDispatcher) SendNotification(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	return nil
}

type workerFixture struct {
	store      *memStore
	snapshot   *stubSnapshotter
	bonuses    *stubBonusEvaluator
	dispatcher *stubDispatcher
	metrics    *SettlementMetrics
	worker     *SettlementWorkerService
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		store:      newMemStore(),
		snapshot:   &stubSnapshotter{},
		bonuses:    &stubBonusEvaluator{},
		dispatcher: &stubDispatcher{},
	}
	metrics, err := NewSettlementMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewSettlementMetrics: %v", err)
	}
	f.metrics = metrics
	worker, err := NewSettlementWorker(SettlementWorkerDeps{
		Jobs:          memJobs{f.store},
		Snapshotter:   f.snapshot,
		Bonuses:       f.bonuses,
		Notifications: &stubComposer{},
		Dispatcher:    f.dispatcher,
		Metrics:       metrics,
		MaxAttempts:   3,
		BaseBackoff:   time.Minute,
		MaxBackoff:    3 * time.Minute,
		Clock:         fixedClock,
	})
	if err != nil {
		t.Fatalf("NewSettlementWorker: %v", err)
	}
	f.worker = worker
	return f
}

func (f *workerFixture) enqueue(t *testing.T, id string, kind domain.SettlementJobKind, payload string) {
	t.Helper()
	if payload == "" {
		payload = "{}"
	}
	err := memJobs{f.store}.Enqueue(context.Background(), domain.SettlementJob{
		ID: id, Kind: kind, OrderID: "order-1", OrganizationID: "org-1", ClientID: "client-1",
		Payload: json.RawMessage(payload), Status: domain.SettlementJobPending,
		NextAttemptAt: fixedNow.Add(-time.Second), CreatedAt: fixedNow, UpdatedAt: fixedNow,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestSettlementWorkerProcessRunsEveryKind(t *testing.T) {
	f := newWorkerFixture(t)
	var snapshots, evaluations []string
	f.snapshot.snapshotFn = func(_ context.Context, orderID, orgID string) (OrderRevenue, error) {
		snapshots = append(snapshots, orderID+"@"+orgID)
		return OrderRevenue{}, nil
	}
	f.bonuses.evaluateFn = func(_ context.Context, cmd BonusEvaluationCommand) (BonusResult, error) {
		evaluations = append(evaluations, cmd.ClientID)
		return BonusResult{}, nil
	}
	f.enqueue(t, "job-1", domain.SettlementJobRevenueSnapshot, "")
	f.enqueue(t, "job-2", domain.SettlementJobBonusEvaluation, "")
	f.enqueue(t, "job-3", domain.SettlementJobNotification, `{"type":"order_paid","trigger":"paid"}`)

	report, err := f.worker.Process(context.Background(), []string{"job-1", "job-2", "job-3", "missing"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if report != (SettlementReport{Claimed: 3, Succeeded: 3}) {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(snapshots) != 1 || snapshots[0] != "order-1@org-1" || len(evaluations) != 1 || evaluations[0] != "client-1" {
		t.Fatalf("unexpected handler calls: %v %v", snapshots, evaluations)
	}
	if len(f.dispatcher.sent) != 1 || f.dispatcher.sent[0].IdempotencyKey != "job-3" || f.dispatcher.sent[0].Type != "order_paid" {
		t.Fatalf("unexpected notifications: %+v", f.dispatcher.sent)
	}
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		job := f.store.jobs[id]
		if job.Status != domain.SettlementJobDone || job.CompletedAt == nil || job.Attempts != 1 {
			t.Fatalf("unexpected job %s: %+v", id, job)
		}
	}
	if got := testutil.ToFloat64(f.metrics.jobs.WithLabelValues("notification", "done")); got != 1 {
		t.Fatalf("expected one done notification, got %v", got)
	}

	again, err := f.worker.Process(context.Background(), []string{"job-1"})
	if err != nil || again.Claimed != 0 {
		t.Fatalf("completed jobs must not be claimed again: %+v %v", again, err)
	}
}

func TestSettlementWorkerRetriesWithBackoff(t *testing.T) {
	f := newWorkerFixture(t)
	f.snapshot.snapshotFn = func(context.Context, string, string) (OrderRevenue, error) {
		return OrderRevenue{}, errInjected
	}
	f.enqueue(t, "job-1", domain.SettlementJobRevenueSnapshot, "")

	report, err := f.worker.Process(context.Background(), []string{"job-1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if report.Retried != 1 {
		t.Fatalf("expected retry, got %+v", report)
	}
	job := f.store.jobs["job-1"]
	if job.Status != domain.SettlementJobPending || job.LastError != errInjected.Error() || !job.NextAttemptAt.Equal(fixedNow.Add(time.Minute)) {
		t.Fatalf("unexpected job after first failure: %+v", job)
	}

	job.NextAttemptAt = fixedNow
	f.store.jobs["job-1"] = job
	if _, err := f.worker.Drain(context.Background(), 10); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := f.store.jobs["job-1"].NextAttemptAt; !got.Equal(fixedNow.Add(2 * time.Minute)) {
		t.Fatalf("expected doubled backoff, got %s", got)
	}

	job = f.store.jobs["job-1"]
	job.NextAttemptAt = fixedNow
	f.store.jobs["job-1"] = job
	report, err = f.worker.Drain(context.Background(), 10)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Failed != 1 || f.store.jobs["job-1"].Status != domain.SettlementJobFailed {
		t.Fatalf("expected job to fail after max attempts: %+v %+v", report, f.store.jobs["job-1"])
	}
	if got := testutil.ToFloat64(f.metrics.jobs.WithLabelValues("revenue_snapshot", "retried")); got != 2 {
		t.Fatalf("expected two retries recorded, got %v", got)
	}
}

func TestSettlementWorkerFailsUnsupportedJobsImmediately(t *testing.T) {
	f := newWorkerFixture(t)
	f.enqueue(t, "job-1", "loyalty_sync", "")
	f.enqueue(t, "job-2", domain.SettlementJobNotification, `not json`)

	report, err := f.worker.Drain(context.Background(), 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if report.Failed != 2 || report.Claimed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	for _, id := range []string{"job-1", "job-2"} {
		if job := f.store.jobs[id]; job.Status != domain.SettlementJobFailed || job.Attempts != 1 {
			t.Fatalf("unexpected job %s: %+v", id, job)
		}
	}
}

func TestSettlementWorkerBackoffIsCapped(t *testing.T) {
	f := newWorkerFixture(t)
	cases := map[int]time.Duration{0: time.Minute, 1: time.Minute, 2: 2 * time.Minute, 3: 3 * time.Minute, 40: 3 * time.Minute}
	for attempt, want := range cases {
		if got := f.worker.backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestSettlementWorkerTriggerRunsInBackground(t *testing.T) {
	f := newWorkerFixture(t)
	done := make(chan struct{})
	f.dispatcher.done = done
	f.enqueue(t, "job-1", domain.SettlementJobNotification, `{"type":"order_open","trigger":"open"}`)

	ctx, cancel := context.WithCancel(context.Background())
	f.worker.Trigger(context.WithoutCancel(ctx), []string{"job-1"})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("triggered job was not processed")
	}
}

func TestSettlementWorkerRunDrainsOnTicker(t *testing.T) {
	f := newWorkerFixture(t)
	done := make(chan struct{})
	f.dispatcher.done = done
	f.enqueue(t, "job-1", domain.SettlementJobNotification, `{"type":"order_paid","trigger":"paid"}`)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.worker.Run(ctx, 5*time.Millisecond)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("due job was not drained")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestSettlementWorkerRunWaitsForTriggeredJobs(t *testing.T) {
	f := newWorkerFixture(t)
	started, release := make(chan struct{}), make(chan struct{})
	f.worker.notifications = &stubComposer{composeFn: func(_ context.Context, job SettlementJob, payload NotificationPayload) (Notification, error) {
		close(started)
		<-release
		return Notification{Type: payload.Type, OrganizationID: job.OrganizationID}, nil
	}}
	f.enqueue(t, "job-1", domain.SettlementJobNotification, `{"type":"order_cancelled","trigger":"cancelled"}`)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.worker.Run(ctx, 0)
		close(stopped)
	}()
	f.worker.Trigger(context.Background(), []string{"job-1"})
	<-started
	cancel()

	select {
	case <-stopped:
		t.Fatalf("Run returned while a triggered job was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after the triggered job finished")
	}
	if got := f.store.jobs["job-1"].Status; got != domain.SettlementJobDone {
		t.Fatalf("expected triggered job done before shutdown, got %s", got)
	}
}

func TestSettlementWorkerDispatchFailureRetries(t *testing.T) {
	f := newWorkerFixture(t)
	f.dispatcher.err = errors.New("pubsub unavailable")
	f.enqueue(t, "job-1", domain.SettlementJobNotification, `{"type":"order_refunded","trigger":"refunded"}`)

	report, err := f.worker.Process(context.Background(), []string{"job-1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if report.Retried != 1 || f.store.jobs["job-1"].LastError != "pubsub unavailable" {
		t.Fatalf("expected dispatch failure to retry: %+v %+v", report, f.store.jobs["job-1"])
	}
}

func TestNewSettlementWorkerRequiresDependencies(t *testing.T) {
	if _, err := NewSettlementWorker(SettlementWorkerDeps{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}
