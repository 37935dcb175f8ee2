package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const (
	insertPointLogQuery = `INSERT INTO point_logs
	(id, client_id, organization_id, order_id, points, action, description, source_client_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	applyBalanceDeltaQuery = `INSERT INTO point_balances (client_id, organization_id, points_current, points_spent, updated_at)
VALUES ($1, $2, $3, GREATEST(0, $4::bigint), $5)
ON CONFLICT (client_id, organization_id) DO UPDATE SET
	points_current = point_balances.points_current + $3,
	points_spent = GREATEST(0, point_balances.points_spent + $4),
	updated_at = $5
RETURNING client_id, organization_id, points_current, points_spent, updated_at`

	ensureBalanceQuery = `INSERT INTO point_balances (client_id, organization_id, points_current, points_spent, updated_at)
VALUES ($1, $2, 0, 0, $3)
ON CONFLICT (client_id, organization_id) DO NOTHING`

	lockBalanceQuery = `SELECT client_id, organization_id, points_current, points_spent, updated_at
FROM point_balances WHERE client_id = $1 AND organization_id = $2 FOR UPDATE`

	sumPointsByActionQuery = `SELECT COALESCE(SUM(points), 0) FROM point_logs
WHERE client_id = $1 AND organization_id = $2 AND action = $3`
)

// PointLedgerRepository persists point logs and balances.
type PointLedgerRepository struct {
	db *sql.DB
}

var _ repositories.PointLedgerRepository = (*PointLedgerRepository)(nil)

// NewPointLedgerRepository constructs a ledger repository over db.
func NewPointLedgerRepository(db *sql.DB) *PointLedgerRepository {
	return &PointLedgerRepository{db: db}
}

func (r *PointLedgerRepository) AppendLog(ctx context.Context, log domain.PointLog) error {
	const op = "points.append_log"
	if !log.Action.Valid() {
		return WrapError(op, errors.New("invalid point action"))
	}
	_, err := conn(ctx, r.db).ExecContext(ctx, insertPointLogQuery,
		log.ID,
		log.ClientID,
		log.OrganizationID,
		nullString(log.OrderID),
		log.Points,
		string(log.Action),
		log.Description,
		nullString(log.SourceClientID),
		log.CreatedAt.UTC(),
	)
	return WrapError(op, err)
}

func (r *PointLedgerRepository) ApplyDelta(ctx context.Context, delta repositories.BalanceDelta) (domain.PointBalance, error) {
	const op = "points.apply_delta"
	row := conn(ctx, r.db).QueryRowContext(ctx, applyBalanceDeltaQuery,
		delta.ClientID,
		delta.OrganizationID,
		delta.CurrentDelta,
		delta.SpentDelta,
		delta.At.UTC(),
	)
	balance, err := scanBalance(row)
	if err != nil {
		return domain.PointBalance{}, WrapError(op, err)
	}
	return balance, nil
}

func (r *PointLedgerRepository) LockBalance(ctx context.Context, clientID, organizationID string, at time.Time) (domain.PointBalance, error) {
	const op = "points.lock_balance"
	q := conn(ctx, r.db)
	if _, err := q.ExecContext(ctx, ensureBalanceQuery, clientID, organizationID, at.UTC()); err != nil {
		return domain.PointBalance{}, WrapError(op, err)
	}
	balance, err := scanBalance(q.QueryRowContext(ctx, lockBalanceQuery, clientID, organizationID))
	if err != nil {
		return domain.PointBalance{}, WrapError(op, err)
	}
	return balance, nil
}

func (r *PointLedgerRepository) SumByAction(ctx context.Context, clientID, organizationID string, action domain.PointAction) (int64, error) {
	const op = "points.sum_by_action"
	var total int64
	err := conn(ctx, r.db).QueryRowContext(ctx, sumPointsByActionQuery, clientID, organizationID, string(action)).Scan(&total)
	if err != nil {
		return 0, WrapError(op, err)
	}
	return total, nil
}

func scanBalance(row rowScanner) (domain.PointBalance, error) {
	var (
		balance domain.PointBalance
		updated time.Time
	)
	if err := row.Scan(&balance.ClientID, &balance.OrganizationID, &balance.PointsCurrent, &balance.PointsSpent, &updated); err != nil {
		return domain.PointBalance{}, err
	}
	balance.UpdatedAt = updated.UTC()
	return balance, nil
}
