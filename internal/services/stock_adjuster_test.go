package services

import (
	"context"
	"errors"
	"testing"
)

func TestStockAdjusterAppliesDelta(t *testing.T) {
	store := newMemStore()
	store.stock[stockKey("prod-1", "", "var-1", "GB")] = 10
	adjuster, err := NewStockAdjuster(StockAdjusterDeps{Stock: memStock{store}, Clock: fixedClock})
	if err != nil {
		t.Fatalf("NewStockAdjuster: %v", err)
	}

	err = adjuster.Adjust(context.Background(), StockAdjustment{ProductID: " prod-1 ", VariationID: "var-1", Country: "gb", Delta: -3})
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if got := store.stock[stockKey("prod-1", "", "var-1", "GB")]; got != 7 {
		t.Fatalf("expected 7 in stock, got %d", got)
	}
}

func TestStockAdjusterLogsUnmanagedItems(t *testing.T) {
	store := newMemStore()
	var events []string
	adjuster, err := NewStockAdjuster(StockAdjusterDeps{
		Stock: memStock{store},
		Logger: func(_ context.Context, event string, fields map[string]any) {
			events = append(events, event)
			if fields["affiliateProductId"] != "aff-1" {
				t.Fatalf("unexpected fields %+v", fields)
			}
		},
	})
	if err != nil {
		t.Fatalf("NewStockAdjuster: %v", err)
	}

	if err := adjuster.Adjust(context.Background(), StockAdjustment{AffiliateProductID: "aff-1", Country: "DE", Delta: 2}); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if len(events) != 1 || events[0] != "stock.adjust.unmanaged" {
		t.Fatalf("expected unmanaged log, got %v", events)
	}
}

func TestStockAdjusterSkipsZeroDelta(t *testing.T) {
	store := newMemStore()
	store.stockErr = errInjected
	adjuster, _ := NewStockAdjuster(StockAdjusterDeps{Stock: memStock{store}})
	if err := adjuster.Adjust(context.Background(), StockAdjustment{ProductID: "prod-1", Country: "GB"}); err != nil {
		t.Fatalf("zero delta must not reach the repository: %v", err)
	}
}

func TestStockAdjusterValidatesInput(t *testing.T) {
	adjuster, _ := NewStockAdjuster(StockAdjusterDeps{Stock: memStock{newMemStore()}})
	cases := []StockAdjustment{
		{Country: "GB", Delta: 1},
		{ProductID: "prod-1", Delta: 1},
	}
	for _, adj := range cases {
		if err := adjuster.Adjust(context.Background(), adj); !errors.Is(err, ErrStockInvalidInput) {
			t.Fatalf("expected ErrStockInvalidInput for %+v, got %v", adj, err)
		}
	}
}

func TestStockAdjusterWrapsRepositoryErrors(t *testing.T) {
	store := newMemStore()
	store.stockErr = errInjected
	adjuster, _ := NewStockAdjuster(StockAdjusterDeps{Stock: memStock{store}})
	err := adjuster.Adjust(context.Background(), StockAdjustment{ProductID: "prod-1", Country: "GB", Delta: -1})
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected wrapped repository error, got %v", err)
	}
}
