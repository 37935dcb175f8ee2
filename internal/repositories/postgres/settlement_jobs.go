package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const jobColumns = `id, kind, order_id, organization_id, client_id, payload, status, attempts, last_error,
	next_attempt_at, leased_until, created_at, updated_at, completed_at`

const (
	enqueueJobQuery = `INSERT INTO settlement_jobs
	(id, kind, order_id, organization_id, client_id, payload, status, attempts, last_error, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, '', $7, $8, $8)
ON CONFLICT (id) DO NOTHING`

	findJobQuery = `SELECT ` + jobColumns + ` FROM settlement_jobs WHERE id = $1`

	claimJobQuery = `UPDATE settlement_jobs SET status = 'running', attempts = attempts + 1, leased_until = $3, updated_at = $2
WHERE id = $1
	AND ((status = 'pending' AND next_attempt_at <= $2) OR (status = 'running' AND leased_until < $2))
RETURNING ` + jobColumns

	claimDueJobsQuery = `UPDATE settlement_jobs SET status = 'running', attempts = attempts + 1, leased_until = $2, updated_at = $1
WHERE id IN (
	SELECT id FROM settlement_jobs
	WHERE (status = 'pending' AND next_attempt_at <= $1) OR (status = 'running' AND leased_until < $1)
	ORDER BY next_attempt_at, id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

	markJobDoneQuery = `UPDATE settlement_jobs SET status = 'done', leased_until = NULL, last_error = '', completed_at = $2, updated_at = $2
WHERE id = $1`

	markJobRetryQuery = `UPDATE settlement_jobs SET status = 'pending', leased_until = NULL, last_error = $2, next_attempt_at = $3, updated_at = $4
WHERE id = $1`

	markJobFailedQuery = `UPDATE settlement_jobs SET status = 'failed', leased_until = NULL, last_error = $2, updated_at = $3
WHERE id = $1`

	jobBacklogQuery = `SELECT
	COUNT(*) FILTER (WHERE status = 'pending' AND next_attempt_at <= $1),
	COUNT(*) FILTER (WHERE status = 'failed'),
	MIN(next_attempt_at) FILTER (WHERE status = 'pending' AND next_attempt_at <= $1)
FROM settlement_jobs`
)

// SettlementJobRepository is the Postgres outbox.
type SettlementJobRepository struct {
	db *sql.DB
}

var _ repositories.SettlementJobRepository = (*SettlementJobRepository)(nil)

// NewSettlementJobRepository constructs an outbox repository over db.
func NewSettlementJobRepository(db *sql.DB) *SettlementJobRepository {
	return &SettlementJobRepository{db: db}
}

// Enqueue inserts the job; an existing row with the same id is left untouched.
func (r *SettlementJobRepository) Enqueue(ctx context.Context, job domain.SettlementJob) error {
	const op = "settlement_jobs.enqueue"
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	next := job.NextAttemptAt
	if next.IsZero() {
		next = job.CreatedAt
	}
	_, err := conn(ctx, r.db).ExecContext(ctx, enqueueJobQuery,
		job.ID,
		string(job.Kind),
		job.OrderID,
		job.OrganizationID,
		job.ClientID,
		payload,
		next.UTC(),
		job.CreatedAt.UTC(),
	)
	return WrapError(op, err)
}

func (r *SettlementJobRepository) FindByID(ctx context.Context, jobID string) (domain.SettlementJob, error) {
	const op = "settlement_jobs.find"
	job, err := scanJob(conn(ctx, r.db).QueryRowContext(ctx, findJobQuery, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SettlementJob{}, notFound(op, "settlement job %q not found", jobID)
		}
		return domain.SettlementJob{}, WrapError(op, err)
	}
	return job, nil
}

func (r *SettlementJobRepository) Claim(ctx context.Context, jobID string, now, leaseUntil time.Time) (domain.SettlementJob, bool, error) {
	const op = "settlement_jobs.claim"
	job, err := scanJob(conn(ctx, r.db).QueryRowContext(ctx, claimJobQuery, jobID, now.UTC(), leaseUntil.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SettlementJob{}, false, nil
		}
		return domain.SettlementJob{}, false, WrapError(op, err)
	}
	return job, true, nil
}

func (r *SettlementJobRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.SettlementJob, error) {
	const op = "settlement_jobs.claim_due"
	if limit <= 0 {
		return nil, nil
	}
	rows, err := conn(ctx, r.db).QueryContext(ctx, claimDueJobsQuery, now.UTC(), leaseUntil.UTC(), limit)
	if err != nil {
		return nil, WrapError(op, err)
	}
	defer rows.Close()

	var jobs []domain.SettlementJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, WrapError(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(op, err)
	}
	return jobs, nil
}

func (r *SettlementJobRepository) MarkDone(ctx context.Context, jobID string, at time.Time) error {
	return r.exec(ctx, "settlement_jobs.mark_done", markJobDoneQuery, jobID, jobID, at.UTC())
}

func (r *SettlementJobRepository) MarkRetry(ctx context.Context, jobID string, lastErr string, nextAttempt time.Time, at time.Time) error {
	return r.exec(ctx, "settlement_jobs.mark_retry", markJobRetryQuery, jobID, jobID, lastErr, nextAttempt.UTC(), at.UTC())
}

func (r *SettlementJobRepository) MarkFailed(ctx context.Context, jobID string, lastErr string, at time.Time) error {
	return r.exec(ctx, "settlement_jobs.mark_failed", markJobFailedQuery, jobID, jobID, lastErr, at.UTC())
}

func (r *SettlementJobRepository) Backlog(ctx context.Context, now time.Time) (domain.SettlementBacklog, error) {
	const op = "settlement_jobs.backlog"
	var (
		backlog domain.SettlementBacklog
		oldest  sql.NullTime
	)
	err := conn(ctx, r.db).QueryRowContext(ctx, jobBacklogQuery, now.UTC()).Scan(&backlog.Due, &backlog.Failed, &oldest)
	if err != nil {
		return domain.SettlementBacklog{}, WrapError(op, err)
	}
	backlog.OldestDue = nullTimePtr(oldest)
	return backlog, nil
}

func (r *SettlementJobRepository) exec(ctx context.Context, op, query, jobID string, args ...any) error {
	res, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return WrapError(op, err)
	}
	return expectAffected(op, res, "settlement job %q not found", jobID)
}

func scanJob(row rowScanner) (domain.SettlementJob, error) {
	var (
		job       domain.SettlementJob
		kind      string
		status    string
		payload   []byte
		next      time.Time
		leased    sql.NullTime
		created   time.Time
		updated   time.Time
		completed sql.NullTime
	)
	if err := row.Scan(
		&job.ID, &kind, &job.OrderID, &job.OrganizationID, &job.ClientID, &payload, &status,
		&job.Attempts, &job.LastError, &next, &leased, &created, &updated, &completed,
	); err != nil {
		return domain.SettlementJob{}, err
	}
	job.Kind = domain.SettlementJobKind(kind)
	job.Status = domain.SettlementJobStatus(status)
	if len(payload) > 0 {
		job.Payload = json.RawMessage(append([]byte(nil), payload...))
	}
	job.NextAttemptAt = next.UTC()
	job.LeasedUntil = nullTimePtr(leased)
	job.CreatedAt = created.UTC()
	job.UpdatedAt = updated.UTC()
	job.CompletedAt = nullTimePtr(completed)
	return job, nil
}
