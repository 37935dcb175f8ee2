package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

// listCartLinesQuery resolves regular products against the country price list and
// affiliate products against their points price.
const listCartLinesQuery = `SELECT
	l.id,
	l.cart_id,
	COALESCE(l.product_id::text, ''),
	COALESCE(l.affiliate_product_id::text, ''),
	COALESCE(l.variation_id::text, ''),
	COALESCE(p.category_id::text, ap.category_id::text, ''),
	COALESCE(p.title, ap.title, ''),
	l.quantity,
	COALESCE(pcp.price, l.unit_price),
	COALESCE(pcp.cost, ap.cost, 0),
	COALESCE(ap.points_price, 0)
FROM cart_lines l
LEFT JOIN products p ON p.id = l.product_id
LEFT JOIN affiliate_products ap ON ap.id = l.affiliate_product_id
LEFT JOIN product_country_prices pcp ON pcp.product_id = l.product_id AND pcp.country = $2
WHERE l.cart_id = $1
ORDER BY l.id`

// CartRepository loads priced cart lines.
type CartRepository struct {
	db *sql.DB
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a cart repository over db.
func NewCartRepository(db *sql.DB) *CartRepository {
	return &CartRepository{db: db}
}

func (r *CartRepository) ListLines(ctx context.Context, cartID string, country string) ([]domain.CartLine, error) {
	const op = "carts.list_lines"
	rows, err := conn(ctx, r.db).QueryContext(ctx, listCartLinesQuery, cartID, strings.ToUpper(strings.TrimSpace(country)))
	if err != nil {
		return nil, WrapError(op, err)
	}
	defer rows.Close()

	var lines []domain.CartLine
	for rows.Next() {
		var (
			line  domain.CartLine
			price decimal.Decimal
			cost  decimal.Decimal
		)
		if err := rows.Scan(
			&line.ID, &line.CartID, &line.ProductID, &line.AffiliateProductID, &line.VariationID,
			&line.CategoryID, &line.Title, &line.Quantity, &price, &cost, &line.PointsPrice,
		); err != nil {
			return nil, WrapError(op, err)
		}
		line.UnitPrice = price
		line.UnitCost = cost
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(op, err)
	}
	return lines, nil
}
