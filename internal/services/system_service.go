package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

// SettlementQueueCheck is the readiness check name for the outbox backlog.
const SettlementQueueCheck = "settlement_queue"

const defaultMaxDueJobs = 500

// BuildInfo is the release metadata reported by /healthz and /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Jobs is optional; without it the report carries no settlement_queue check.
	Jobs repositories.SettlementJobRepository
	// MaxDueJobs is the due backlog above which the queue reports degraded.
	MaxDueJobs int
	Clock      func() time.Time
	Build      BuildInfo
}

type systemService struct {
	health     repositories.HealthRepository
	jobs       repositories.SettlementJobRepository
	maxDueJobs int
	now        func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService builds the readiness reporter.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	maxDue := deps.MaxDueJobs
	if maxDue <= 0 {
		maxDue = defaultMaxDueJobs
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		health:     deps.HealthRepository,
		jobs:       deps.Jobs,
		maxDueJobs: maxDue,
		now:        func() time.Time { return clock().UTC() },
		build:      build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	now := s.now()

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	if report.Version == "" {
		report.Version = s.build.Version
	}
	if report.CommitSHA == "" {
		report.CommitSHA = s.build.CommitSHA
	}
	if report.Environment == "" {
		report.Environment = s.build.Environment
	}
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.jobs != nil {
		report.Checks[SettlementQueueCheck] = s.queueCheck(ctx, now)
	}

	status := report.Status
	for _, check := range report.Checks {
		status = worseStatus(status, check.Status)
	}
	if status == "" {
		status = domain.HealthStatusOK
	}
	report.Status = status
	return report, nil
}

// queueCheck never reports error: a slow outbox delays side effects but status changes still commit.
func (s *systemService) queueCheck(ctx context.Context, now time.Time) domain.SystemHealthCheck {
	start := time.Now()
	backlog, err := s.jobs.Backlog(ctx, now)
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Latency:   time.Since(start),
		CheckedAt: now,
	}
	if err != nil {
		check.Status = domain.HealthStatusDegraded
		check.Detail = "backlog unavailable"
		check.Error = err.Error()
		return check
	}
	check.Detail = fmt.Sprintf("due=%d failed=%d", backlog.Due, backlog.Failed)
	if backlog.OldestDue != nil {
		check.Detail += fmt.Sprintf(" oldest=%s", now.Sub(*backlog.OldestDue).Truncate(time.Second))
	}
	if backlog.Failed > 0 || backlog.Due > s.maxDueJobs {
		check.Status = domain.HealthStatusDegraded
	}
	return check
}

var statusRank = map[string]int{
	domain.HealthStatusOK:       1,
	domain.HealthStatusDegraded: 2,
	domain.HealthStatusError:    3,
}

// worseStatus ranks ok < degraded < error. Unknown non-empty statuses count as degraded.
func worseStatus(a, b string) string {
	if b == "" {
		return a
	}
	if _, ok := statusRank[b]; !ok {
		b = domain.HealthStatusDegraded
	}
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}
