package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const (
	findRevenueQuery = `SELECT id, order_id, organization_id, client_id, home_currency, payment_method,
	total_usd, total_gbp, total_eur,
	discount_usd, discount_gbp, discount_eur,
	shipping_usd, shipping_gbp, shipping_eur,
	cost_usd, cost_gbp, cost_eur,
	spot_price_usd, rate_bucket, created_at
FROM order_revenues WHERE order_id = $1`

	listCategoryRevenuesQuery = `SELECT order_id, category_id,
	revenue_usd, revenue_gbp, revenue_eur, cost_usd, cost_gbp, cost_eur
FROM category_revenues WHERE order_id = $1 ORDER BY category_id`

	insertRevenueQuery = `INSERT INTO order_revenues (id, order_id, organization_id, client_id, home_currency, payment_method,
	total_usd, total_gbp, total_eur,
	discount_usd, discount_gbp, discount_eur,
	shipping_usd, shipping_gbp, shipping_eur,
	cost_usd, cost_gbp, cost_eur,
	spot_price_usd, rate_bucket, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	insertCategoryRevenueQuery = `INSERT INTO category_revenues (order_id, category_id,
	revenue_usd, revenue_gbp, revenue_eur, cost_usd, cost_gbp, cost_eur)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	sumClientRevenueEURQuery = `SELECT COALESCE(SUM(r.total_eur), 0)
FROM order_revenues r
JOIN orders o ON o.id = r.order_id
WHERE r.client_id = $1 AND r.organization_id = $2 AND o.status IN ('paid', 'completed')`
)

// RevenueRepository persists revenue snapshots.
type RevenueRepository struct {
	db *sql.DB
}

var _ repositories.RevenueRepository = (*RevenueRepository)(nil)

// NewRevenueRepository constructs a revenue repository over db.
func NewRevenueRepository(db *sql.DB) *RevenueRepository {
	return &RevenueRepository{db: db}
}

func (r *RevenueRepository) FindByOrder(ctx context.Context, orderID string) (domain.OrderRevenue, error) {
	const op = "revenues.find"
	q := conn(ctx, r.db)

	var (
		rev      domain.OrderRevenue
		currency string
		method   string
		spot     decimal.NullDecimal
		bucket   time.Time
		created  time.Time
	)
	err := q.QueryRowContext(ctx, findRevenueQuery, orderID).Scan(
		&rev.ID, &rev.OrderID, &rev.OrganizationID, &rev.ClientID, &currency, &method,
		&rev.Total.USD, &rev.Total.GBP, &rev.Total.EUR,
		&rev.Discount.USD, &rev.Discount.GBP, &rev.Discount.EUR,
		&rev.Shipping.USD, &rev.Shipping.GBP, &rev.Shipping.EUR,
		&rev.Cost.USD, &rev.Cost.GBP, &rev.Cost.EUR,
		&spot, &bucket, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OrderRevenue{}, notFound(op, "revenue for order %q not found", orderID)
		}
		return domain.OrderRevenue{}, WrapError(op, err)
	}
	rev.HomeCurrency = domain.Currency(currency)
	rev.PaymentMethod = domain.PaymentMethod(method)
	if spot.Valid {
		rev.SpotPriceUSD = spot.Decimal
	}
	rev.RateBucket = bucket.UTC()
	rev.CreatedAt = created.UTC()

	rows, err := q.QueryContext(ctx, listCategoryRevenuesQuery, orderID)
	if err != nil {
		return domain.OrderRevenue{}, WrapError(op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat domain.CategoryRevenue
		if err := rows.Scan(&cat.OrderID, &cat.CategoryID,
			&cat.Revenue.USD, &cat.Revenue.GBP, &cat.Revenue.EUR,
			&cat.Cost.USD, &cat.Cost.GBP, &cat.Cost.EUR,
		); err != nil {
			return domain.OrderRevenue{}, WrapError(op, err)
		}
		rev.Categories = append(rev.Categories, cat)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderRevenue{}, WrapError(op, err)
	}
	return rev, nil
}

// Insert writes the snapshot and its category rows; callers run it inside RunInTx.
func (r *RevenueRepository) Insert(ctx context.Context, rev domain.OrderRevenue) error {
	const op = "revenues.insert"
	q := conn(ctx, r.db)

	var spot decimal.NullDecimal
	if rev.PaymentMethod == domain.PaymentMethodCrypto {
		spot = decimal.NullDecimal{Decimal: rev.SpotPriceUSD, Valid: true}
	}
	_, err := q.ExecContext(ctx, insertRevenueQuery,
		rev.ID, rev.OrderID, rev.OrganizationID, rev.ClientID, string(rev.HomeCurrency), string(rev.PaymentMethod),
		rev.Total.USD, rev.Total.GBP, rev.Total.EUR,
		rev.Discount.USD, rev.Discount.GBP, rev.Discount.EUR,
		rev.Shipping.USD, rev.Shipping.GBP, rev.Shipping.EUR,
		rev.Cost.USD, rev.Cost.GBP, rev.Cost.EUR,
		spot, domain.RateBucket(rev.RateBucket), rev.CreatedAt.UTC(),
	)
	if err != nil {
		return WrapError(op, err)
	}
	for _, cat := range rev.Categories {
		_, err := q.ExecContext(ctx, insertCategoryRevenueQuery,
			rev.OrderID, cat.CategoryID,
			cat.Revenue.USD, cat.Revenue.GBP, cat.Revenue.EUR,
			cat.Cost.USD, cat.Cost.GBP, cat.Cost.EUR,
		)
		if err != nil {
			return WrapError(op, err)
		}
	}
	return nil
}

func (r *RevenueRepository) SumClientEUR(ctx context.Context, clientID, organizationID string) (decimal.Decimal, error) {
	const op = "revenues.sum_client_eur"
	var total decimal.Decimal
	if err := conn(ctx, r.db).QueryRowContext(ctx, sumClientRevenueEURQuery, clientID, organizationID).Scan(&total); err != nil {
		return decimal.Zero, WrapError(op, err)
	}
	return total, nil
}
