package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/commerce-dash/settlement/internal/repositories"
)

// ErrStockInvalidInput indicates the adjustment did not identify an item.
var ErrStockInvalidInput = errors.New("stock: invalid input")

// StockAdjusterDeps bundles collaborators required to construct the stock adjuster.
type StockAdjusterDeps struct {
	Stock  repositories.StockRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockAdjuster struct {
	stock  repositories.StockRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewStockAdjuster wires the stock repository into a StockAdjuster.
func NewStockAdjuster(deps StockAdjusterDeps) (StockAdjuster, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock adjuster: stock repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stockAdjuster{
		stock: deps.Stock,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Adjust applies the delta. Items without a stock row for the country are not stock managed and
// are skipped.
func (s *stockAdjuster) Adjust(ctx context.Context, adj StockAdjustment) error {
	adj.ProductID = strings.TrimSpace(adj.ProductID)
	adj.AffiliateProductID = strings.TrimSpace(adj.AffiliateProductID)
	adj.VariationID = strings.TrimSpace(adj.VariationID)
	adj.Country = strings.ToUpper(strings.TrimSpace(adj.Country))

	if adj.ProductID == "" && adj.AffiliateProductID == "" {
		return fmt.Errorf("%w: product or affiliate product id is required", ErrStockInvalidInput)
	}
	if adj.Country == "" {
		return fmt.Errorf("%w: country is required", ErrStockInvalidInput)
	}
	if adj.Delta == 0 {
		return nil
	}
	if adj.At.IsZero() {
		adj.At = s.clock()
	}

	matched, err := s.stock.Adjust(ctx, adj)
	if err != nil {
		return fmt.Errorf("stock: adjust: %w", err)
	}
	if !matched {
		s.logger(ctx, "stock.adjust.unmanaged", map[string]any{
			"productId":          adj.ProductID,
			"affiliateProductId": adj.AffiliateProductID,
			"variationId":        adj.VariationID,
			"country":            adj.Country,
			"delta":              adj.Delta,
		})
	}
	return nil
}
