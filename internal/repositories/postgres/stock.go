package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/commerce-dash/settlement/internal/repositories"
)

// adjustStockQuery targets the highest priority warehouse row stocking the item for the country.
const adjustStockQuery = `UPDATE warehouse_stock SET quantity = quantity + $5, updated_at = $6
WHERE id = (
	SELECT ws.id FROM warehouse_stock ws
	JOIN warehouses w ON w.id = ws.warehouse_id
	WHERE ws.country = $1
		AND ws.product_id IS NOT DISTINCT FROM $2::uuid
		AND ws.affiliate_product_id IS NOT DISTINCT FROM $3::uuid
		AND ws.variation_id IS NOT DISTINCT FROM $4::uuid
	ORDER BY w.priority, ws.id
	LIMIT 1
	FOR UPDATE OF ws
)`

// StockRepository mutates warehouse stock counters.
type StockRepository struct {
	db *sql.DB
}

var _ repositories.StockRepository = (*StockRepository)(nil)

// NewStockRepository constructs a stock repository over db.
func NewStockRepository(db *sql.DB) *StockRepository {
	return &StockRepository{db: db}
}

func (r *StockRepository) Adjust(ctx context.Context, adj repositories.StockAdjustment) (bool, error) {
	const op = "stock.adjust"
	if strings.TrimSpace(adj.ProductID) == "" && strings.TrimSpace(adj.AffiliateProductID) == "" {
		return false, WrapError(op, errors.New("product or affiliate product is required"))
	}
	res, err := conn(ctx, r.db).ExecContext(ctx, adjustStockQuery,
		strings.ToUpper(strings.TrimSpace(adj.Country)),
		nullString(adj.ProductID),
		nullString(adj.AffiliateProductID),
		nullString(adj.VariationID),
		adj.Delta,
		adj.At.UTC(),
	)
	if err != nil {
		return false, WrapError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, WrapError(op, err)
	}
	return n > 0, nil
}
