package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const (
	defaultSettlementLease       = 2 * time.Minute
	defaultSettlementMaxAttempts = 8
	defaultSettlementBaseBackoff = 30 * time.Second
	defaultSettlementMaxBackoff  = 30 * time.Minute
	defaultSettlementBatch       = 50

	jobOutcomeDone    = "done"
	jobOutcomeRetried = "retried"
	jobOutcomeFailed  = "failed"
)

// ErrSettlementJobUnsupported indicates an outbox row of an unknown kind.
var ErrSettlementJobUnsupported = errors.New("settlement: unsupported job kind")

// SettlementMetrics holds the outbox worker collectors.
type SettlementMetrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewSettlementMetrics registers the worker collectors on reg.
func NewSettlementMetrics(reg prometheus.Registerer) (*SettlementMetrics, error) {
	m := &SettlementMetrics{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "jobs_total",
			Help:      "Settlement outbox jobs processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "job_duration_seconds",
			Help:      "Time spent executing a settlement job.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.jobs, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("settlement metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *SettlementMetrics) observe(kind domain.SettlementJobKind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(string(kind), outcome).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// SettlementWorkerDeps bundles collaborators required to construct the outbox worker.
type SettlementWorkerDeps struct {
	Jobs          repositories.SettlementJobRepository
	Snapshotter   RevenueSnapshotter
	Bonuses       BonusEvaluator
	Notifications NotificationComposer
	Dispatcher    NotificationDispatcher
	Metrics       *SettlementMetrics
	Lease         time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	BatchSize     int
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// SettlementWorkerService processes outbox jobs and implements SettlementTrigger.
type SettlementWorkerService struct {
	jobs          repositories.SettlementJobRepository
	snapshotter   RevenueSnapshotter
	bonuses       BonusEvaluator
	notifications NotificationComposer
	dispatcher    NotificationDispatcher
	metrics       *SettlementMetrics
	lease         time.Duration
	maxAttempts   int
	baseBackoff   time.Duration
	maxBackoff    time.Duration
	batchSize     int
	clock         func() time.Time
	logger        func(context.Context, string, map[string]any)
	inflight      sync.WaitGroup
}

var (
	_ SettlementWorker  = (*SettlementWorkerService)(nil)
	_ SettlementTrigger = (*SettlementWorkerService)(nil)
)

// NewSettlementWorker wires the job handlers into an outbox worker.
func NewSettlementWorker(deps SettlementWorkerDeps) (*SettlementWorkerService, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("settlement worker: job repository is required")
	case deps.Snapshotter == nil:
		return nil, errors.New("settlement worker: revenue snapshotter is required")
	case deps.Bonuses == nil:
		return nil, errors.New("settlement worker: bonus evaluator is required")
	case deps.Notifications == nil:
		return nil, errors.New("settlement worker: notification composer is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("settlement worker: notification dispatcher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &SettlementWorkerService{
		jobs:          deps.Jobs,
		snapshotter:   deps.Snapshotter,
		bonuses:       deps.Bonuses,
		notifications: deps.Notifications,
		dispatcher:    deps.Dispatcher,
		metrics:       deps.Metrics,
		lease:         durationOrDefault(deps.Lease, defaultSettlementLease),
		maxAttempts:   intOrDefault(deps.MaxAttempts, defaultSettlementMaxAttempts),
		baseBackoff:   durationOrDefault(deps.BaseBackoff, defaultSettlementBaseBackoff),
		maxBackoff:    durationOrDefault(deps.MaxBackoff, defaultSettlementMaxBackoff),
		batchSize:     intOrDefault(deps.BatchSize, defaultSettlementBatch),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Trigger processes the jobs in the background. Jobs left unprocessed are picked up by Drain.
func (w *SettlementWorkerService) Trigger(ctx context.Context, jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	ids := append([]string(nil), jobIDs...)
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		if _, err := w.Process(ctx, ids); err != nil {
			w.logger(ctx, "settlement.trigger.failed", map[string]any{"jobs": ids, "error": err.Error()})
		}
	}()
}

// Process claims the named jobs and runs the ones that are due.
func (w *SettlementWorkerService) Process(ctx context.Context, jobIDs []string) (SettlementReport, error) {
	var report SettlementReport
	for _, id := range jobIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		now := w.clock()
		job, ok, err := w.jobs.Claim(ctx, id, now, now.Add(w.lease))
		if err != nil {
			return report, fmt.Errorf("settlement: claim %s: %w", id, err)
		}
		if !ok {
			continue
		}
		report.Claimed++
		if err := w.execute(ctx, job, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Drain claims up to limit due jobs and runs them. A non-positive limit uses the batch size.
func (w *SettlementWorkerService) Drain(ctx context.Context, limit int) (SettlementReport, error) {
	if limit <= 0 {
		limit = w.batchSize
	}
	now := w.clock()
	jobs, err := w.jobs.ClaimDue(ctx, now, now.Add(w.lease), limit)
	if err != nil {
		return SettlementReport{}, fmt.Errorf("settlement: claim due: %w", err)
	}
	report := SettlementReport{Claimed: len(jobs)}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := w.execute(ctx, job, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Run drains due jobs every interval until ctx is cancelled, then waits for triggered batches.
// A non-positive interval disables the ticker.
func (w *SettlementWorkerService) Run(ctx context.Context, interval time.Duration) {
	defer w.inflight.Wait()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := w.Drain(ctx, w.batchSize)
			if err != nil && ctx.Err() == nil {
				w.logger(ctx, "settlement.drain.failed", map[string]any{"error": err.Error()})
				continue
			}
			if report.Claimed > 0 {
				w.logger(ctx, "settlement.drain", map[string]any{
					"claimed":   report.Claimed,
					"succeeded": report.Succeeded,
					"retried":   report.Retried,
					"failed":    report.Failed,
				})
			}
		}
	}
}

// execute runs one claimed job and records its outcome. Only bookkeeping failures are returned.
func (w *SettlementWorkerService) execute(ctx context.Context, job domain.SettlementJob, report *SettlementReport) error {
	started := w.clock()
	runErr := w.run(ctx, job)
	now := w.clock()
	elapsed := now.Sub(started)

	if runErr == nil {
		if err := w.jobs.MarkDone(ctx, job.ID, now); err != nil {
			return fmt.Errorf("settlement: mark done %s: %w", job.ID, err)
		}
		report.Succeeded++
		w.metrics.observe(job.Kind, jobOutcomeDone, elapsed)
		return nil
	}

	fields := map[string]any{
		"jobId":    job.ID,
		"kind":     string(job.Kind),
		"orderId":  job.OrderID,
		"attempts": job.Attempts,
		"error":    runErr.Error(),
	}
	if job.Attempts >= w.maxAttempts || errors.Is(runErr, ErrSettlementJobUnsupported) {
		if err := w.jobs.MarkFailed(ctx, job.ID, runErr.Error(), now); err != nil {
			return fmt.Errorf("settlement: mark failed %s: %w", job.ID, err)
		}
		report.Failed++
		w.metrics.observe(job.Kind, jobOutcomeFailed, elapsed)
		w.logger(ctx, "settlement.job.failed", fields)
		return nil
	}

	next := now.Add(w.backoff(job.Attempts))
	if err := w.jobs.MarkRetry(ctx, job.ID, runErr.Error(), next, now); err != nil {
		return fmt.Errorf("settlement: mark retry %s: %w", job.ID, err)
	}
	report.Retried++
	w.metrics.observe(job.Kind, jobOutcomeRetried, elapsed)
	fields["nextAttemptAt"] = next.Format(time.RFC3339)
	w.logger(ctx, "settlement.job.retry", fields)
	return nil
}

func (w *SettlementWorkerService) run(ctx context.Context, job domain.SettlementJob) error {
	switch job.Kind {
	case domain.SettlementJobRevenueSnapshot:
		_, err := w.snapshotter.Snapshot(ctx, job.OrderID, job.OrganizationID)
		return err
	case domain.SettlementJobBonusEvaluation:
		_, err := w.bonuses.Evaluate(ctx, BonusEvaluationCommand{
			OrderID:        job.OrderID,
			ClientID:       job.ClientID,
			OrganizationID: job.OrganizationID,
		})
		return err
	case domain.SettlementJobNotification:
		var payload domain.NotificationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("%w: notification payload: %v", ErrSettlementJobUnsupported, err)
		}
		notification, err := w.notifications.Compose(ctx, job, payload)
		if err != nil {
			return err
		}
		notification.IdempotencyKey = job.ID
		return w.dispatcher.SendNotification(ctx, notification)
	default:
		return fmt.Errorf("%w: %q", ErrSettlementJobUnsupported, job.Kind)
	}
}

// backoff doubles from the base delay per attempt, capped at the max delay.
func (w *SettlementWorkerService) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(w.baseBackoff) * factor)
	if delay <= 0 || delay > w.maxBackoff {
		return w.maxBackoff
	}
	return delay
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
