package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const orderColumns = `id, organization_id, client_id, cart_id, status, country, points_redeemed,
	notified_paid_or_completed, notified_open, referral_awarded, order_meta, subtotal, discount, shipping, total,
	payment_method, payment_asset, payment_amount, date_paid, date_completed, date_cancelled,
	date_underpaid, date_refunded, created_at, updated_at`

const (
	findOrderQuery = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	lockOrderQuery = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	updateOrderStatusQuery = `UPDATE orders SET
	status = $2,
	date_paid = CASE WHEN $2 = 'paid' THEN COALESCE(date_paid, $3) ELSE date_paid END,
	date_completed = CASE WHEN $2 = 'completed' THEN COALESCE(date_completed, $3) ELSE date_completed END,
	date_cancelled = CASE WHEN $2 = 'cancelled' THEN COALESCE(date_cancelled, $3) ELSE date_cancelled END,
	date_underpaid = CASE WHEN $2 = 'underpaid' THEN COALESCE(date_underpaid, $3) ELSE date_underpaid END,
	date_refunded = CASE WHEN $2 = 'refunded' THEN COALESCE(date_refunded, $3) ELSE date_refunded END,
	order_meta = CASE WHEN $4::jsonb IS NULL THEN order_meta ELSE order_meta || $4::jsonb END,
	notified_paid_or_completed = notified_paid_or_completed OR $5,
	notified_open = notified_open OR $6,
	updated_at = $3
WHERE id = $1`

	markReferralAwardedQuery = `UPDATE orders SET referral_awarded = TRUE, updated_at = $2 WHERE id = $1`
)

// OrderRepository reads and mutates orders.
type OrderRepository struct {
	db *sql.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an order repository over db.
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.load(ctx, "orders.lock", lockOrderQuery, orderID)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.load(ctx, "orders.find", findOrderQuery, orderID)
}

func (r *OrderRepository) load(ctx context.Context, op, query, orderID string) (domain.Order, error) {
	row := conn(ctx, r.db).QueryRowContext(ctx, query, strings.TrimSpace(orderID))
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, notFound(op, "order %q not found", orderID)
		}
		return domain.Order{}, WrapError(op, err)
	}
	return order, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) error {
	const op = "orders.update_status"

	var meta any
	if update.AppendMeta != nil {
		raw, err := json.Marshal([]domain.OrderMetaEvent{*update.AppendMeta})
		if err != nil {
			return WrapError(op, fmt.Errorf("encode meta: %w", err))
		}
		meta = string(raw)
	}

	res, err := conn(ctx, r.db).ExecContext(ctx, updateOrderStatusQuery,
		update.OrderID,
		string(update.Status),
		update.At.UTC(),
		meta,
		update.MarkNotified,
		update.MarkOpenNotified,
	)
	if err != nil {
		return WrapError(op, err)
	}
	return expectAffected(op, res, "order %q not found", update.OrderID)
}

func (r *OrderRepository) MarkReferralAwarded(ctx context.Context, orderID string, at time.Time) error {
	const op = "orders.mark_referral_awarded"
	res, err := conn(ctx, r.db).ExecContext(ctx, markReferralAwardedQuery, orderID, at.UTC())
	if err != nil {
		return WrapError(op, err)
	}
	return expectAffected(op, res, "order %q not found", orderID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order     domain.Order
		status    string
		method    string
		meta      []byte
		asset     sql.NullString
		amount    decimal.NullDecimal
		paid      sql.NullTime
		completed sql.NullTime
		cancelled sql.NullTime
		underpaid sql.NullTime
		refunded  sql.NullTime
		created   time.Time
		updated   time.Time
	)
	err := row.Scan(
		&order.ID, &order.OrganizationID, &order.ClientID, &order.CartID, &status, &order.Country,
		&order.PointsRedeemed, &order.NotifiedPaidOrCompleted, &order.NotifiedOpen, &order.ReferralAwarded, &meta,
		&order.Totals.Subtotal, &order.Totals.Discount, &order.Totals.Shipping, &order.Totals.Total,
		&method, &asset, &amount, &paid, &completed, &cancelled, &underpaid, &refunded,
		&created, &updated,
	)
	if err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.Country = strings.ToUpper(strings.TrimSpace(order.Country))
	order.Payment = domain.OrderPayment{Method: domain.PaymentMethod(method), Asset: asset.String}
	if amount.Valid {
		order.Payment.Amount = amount.Decimal
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &order.Meta); err != nil {
			return domain.Order{}, fmt.Errorf("decode order meta: %w", err)
		}
	}
	order.DatePaid = nullTimePtr(paid)
	order.DateCompleted = nullTimePtr(completed)
	order.DateCancelled = nullTimePtr(cancelled)
	order.DateUnderpaid = nullTimePtr(underpaid)
	order.DateRefunded = nullTimePtr(refunded)
	order.CreatedAt = created.UTC()
	order.UpdatedAt = updated.UTC()
	return order, nil
}

func expectAffected(op string, res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return WrapError(op, err)
	}
	if n == 0 {
		return notFound(op, format, args...)
	}
	return nil
}
