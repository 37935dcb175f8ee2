package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const (
	uncategorisedCategory = "uncategorised"
	moneyPlaces           = 2
)

var (
	// ErrRevenueInvalidInput indicates a malformed snapshot request.
	ErrRevenueInvalidInput = errors.New("revenue: invalid input")
	// ErrRevenueNotPaid indicates the order has not been paid yet.
	ErrRevenueNotPaid = errors.New("revenue: order not paid")
	// ErrRevenueRatesUnavailable indicates exchange or spot rates could not be obtained.
	ErrRevenueRatesUnavailable = errors.New("revenue: rates unavailable")
)

// RevenueSnapshotterDeps bundles collaborators required to construct the snapshotter.
type RevenueSnapshotterDeps struct {
	Revenues    repositories.RevenueRepository
	Orders      repositories.OrderRepository
	Carts       repositories.CartRepository
	Rates       CrossRateProvider
	Spot        SpotPriceProvider
	Currencies  CurrencyResolver
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type revenueSnapshotter struct {
	revenues   repositories.RevenueRepository
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	rates      CrossRateProvider
	spot       SpotPriceProvider
	currencies CurrencyResolver
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewRevenueSnapshotter wires repositories and rate providers into a RevenueSnapshotter.
func NewRevenueSnapshotter(deps RevenueSnapshotterDeps) (RevenueSnapshotter, error) {
	if deps.Revenues == nil {
		return nil, errors.New("revenue snapshotter: revenue repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("revenue snapshotter: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("revenue snapshotter: cart repository is required")
	}
	if deps.Rates == nil {
		return nil, errors.New("revenue snapshotter: cross-rate provider is required")
	}
	if deps.Currencies == nil {
		return nil, errors.New("revenue snapshotter: currency resolver is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &revenueSnapshotter{
		revenues:   deps.Revenues,
		orders:     deps.Orders,
		carts:      deps.Carts,
		rates:      deps.Rates,
		spot:       deps.Spot,
		currencies: deps.Currencies,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *revenueSnapshotter) Snapshot(ctx context.Context, orderID, organizationID string) (rev OrderRevenue, err error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return OrderRevenue{}, fmt.Errorf("%w: order id is required", ErrRevenueInvalidInput)
	}

	ctx, span := serviceTracer.Start(ctx, "revenue.snapshot", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	existing, found, err := s.findExisting(ctx, orderID)
	if err != nil || found {
		return existing, err
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderRevenue{}, fmt.Errorf("revenue: load order: %w", err)
	}
	if org := strings.TrimSpace(organizationID); org != "" && org != order.OrganizationID {
		return OrderRevenue{}, fmt.Errorf("%w: order %s does not belong to organization %s", ErrRevenueInvalidInput, orderID, org)
	}
	paidAt, ok := order.PaidAt()
	if !ok {
		return OrderRevenue{}, fmt.Errorf("%w: order %s", ErrRevenueNotPaid, orderID)
	}

	lines, err := s.carts.ListLines(ctx, order.CartID, order.Country)
	if err != nil {
		return OrderRevenue{}, fmt.Errorf("revenue: load cart lines: %w", err)
	}

	rate, err := s.rates.RateFor(ctx, paidAt)
	if err != nil {
		return OrderRevenue{}, fmt.Errorf("%w: cross-rate: %w", ErrRevenueRatesUnavailable, err)
	}
	conv, err := newCurrencyConverter(rate)
	if err != nil {
		return OrderRevenue{}, err
	}

	home := s.currencies.HomeCurrency(order.Country)
	rev = domain.OrderRevenue{
		ID:             s.newID(),
		OrderID:        order.ID,
		OrganizationID: order.OrganizationID,
		ClientID:       order.ClientID,
		HomeCurrency:   home,
		PaymentMethod:  order.Payment.Method,
		Discount:       conv.fromHome(order.Totals.Discount, home),
		Shipping:       conv.fromHome(order.Totals.Shipping, home),
		RateBucket:     rate.Bucket,
		CreatedAt:      s.clock(),
	}
	if rev.PaymentMethod == "" {
		rev.PaymentMethod = domain.PaymentMethodFiat
	}

	if order.IsCrypto() {
		if s.spot == nil {
			return OrderRevenue{}, fmt.Errorf("%w: spot price provider not configured", ErrRevenueRatesUnavailable)
		}
		asset := strings.ToUpper(strings.TrimSpace(order.Payment.Asset))
		if asset == "" || !order.Payment.Amount.IsPositive() {
			return OrderRevenue{}, fmt.Errorf("%w: crypto order %s has no settled amount", ErrRevenueInvalidInput, orderID)
		}
		spot, err := s.spot.SpotPriceUSD(ctx, asset, paidAt)
		if err != nil {
			return OrderRevenue{}, fmt.Errorf("%w: spot %s: %w", ErrRevenueRatesUnavailable, asset, err)
		}
		rev.SpotPriceUSD = spot
		rev.Total = conv.fromUSD(order.Payment.Amount.Mul(spot))
	} else {
		rev.Total = conv.fromHome(order.Totals.Total, home)
	}

	var totalCost decimal.Decimal
	rev.Categories, totalCost = groupCategories(order.ID, lines, home, conv)
	rev.Cost = conv.fromHome(totalCost, home)

	span.SetAttributes(
		attribute.String("revenue.home_currency", string(home)),
		attribute.String("revenue.total_usd", rev.Total.USD.String()),
	)

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		return s.revenues.Insert(txCtx, rev)
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			s.logger(ctx, "revenue.snapshot.conflict", map[string]any{"orderId": orderID})
			winner, found, findErr := s.findExisting(ctx, orderID)
			if findErr != nil {
				return OrderRevenue{}, findErr
			}
			if found {
				return winner, nil
			}
		}
		return OrderRevenue{}, fmt.Errorf("revenue: persist snapshot: %w", err)
	}

	s.logger(ctx, "revenue.snapshot.created", map[string]any{
		"orderId":      orderID,
		"homeCurrency": string(home),
		"totalUSD":     rev.Total.USD.StringFixed(moneyPlaces),
		"categories":   len(rev.Categories),
	})
	return rev, nil
}

func (s *revenueSnapshotter) findExisting(ctx context.Context, orderID string) (OrderRevenue, bool, error) {
	existing, err := s.revenues.FindByOrder(ctx, orderID)
	if err == nil {
		return existing, true, nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return OrderRevenue{}, false, nil
	}
	return OrderRevenue{}, false, fmt.Errorf("revenue: lookup snapshot: %w", err)
}

func (s *revenueSnapshotter) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

// groupCategories sums revenue and cost per category in the home currency before conversion,
// so order and category figures derive from the same rate row.
func groupCategories(orderID string, lines []domain.CartLine, home domain.Currency, conv currencyConverter) ([]domain.CategoryRevenue, decimal.Decimal) {
	type totals struct {
		revenue decimal.Decimal
		cost    decimal.Decimal
	}
	byCategory := make(map[string]*totals)
	totalCost := decimal.Zero
	for _, line := range lines {
		category := strings.TrimSpace(line.CategoryID)
		if category == "" {
			category = uncategorisedCategory
		}
		t, ok := byCategory[category]
		if !ok {
			t = &totals{}
			byCategory[category] = t
		}
		t.revenue = t.revenue.Add(line.Revenue())
		t.cost = t.cost.Add(line.Cost())
		totalCost = totalCost.Add(line.Cost())
	}

	ids := make([]string, 0, len(byCategory))
	for id := range byCategory {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	categories := make([]domain.CategoryRevenue, 0, len(ids))
	for _, id := range ids {
		t := byCategory[id]
		categories = append(categories, domain.CategoryRevenue{
			OrderID:    orderID,
			CategoryID: id,
			Revenue:    conv.fromHome(t.revenue, home),
			Cost:       conv.fromHome(t.cost, home),
		})
	}
	return categories, totalCost
}

// currencyConverter expresses amounts in USD, GBP and EUR from one stored rate row. Home amounts
// go through USD; the home figure itself is kept exact.
type currencyConverter struct {
	usdToEUR decimal.Decimal
	usdToGBP decimal.Decimal
}

func newCurrencyConverter(rate domain.ExchangeRate) (currencyConverter, error) {
	if !rate.USDToEUR.IsPositive() || !rate.USDToGBP.IsPositive() {
		return currencyConverter{}, fmt.Errorf("%w: non-positive cross-rate for %s", ErrRevenueRatesUnavailable, rate.Bucket.Format(time.RFC3339))
	}
	return currencyConverter{usdToEUR: rate.USDToEUR, usdToGBP: rate.USDToGBP}, nil
}

func (c currencyConverter) toUSD(amount decimal.Decimal, from domain.Currency) decimal.Decimal {
	switch from {
	case domain.CurrencyEUR:
		return amount.Div(c.usdToEUR)
	case domain.CurrencyGBP:
		return amount.Div(c.usdToGBP)
	default:
		return amount
	}
}

func (c currencyConverter) fromUSD(usd decimal.Decimal) domain.MoneySet {
	return domain.MoneySet{
		USD: usd.Truncate(moneyPlaces),
		GBP: usd.Mul(c.usdToGBP).Truncate(moneyPlaces),
		EUR: usd.Mul(c.usdToEUR).Truncate(moneyPlaces),
	}
}

func (c currencyConverter) fromHome(amount decimal.Decimal, home domain.Currency) domain.MoneySet {
	set := c.fromUSD(c.toUSD(amount, home))
	switch home {
	case domain.CurrencyEUR:
		set.EUR = amount.Truncate(moneyPlaces)
	case domain.CurrencyGBP:
		set.GBP = amount.Truncate(moneyPlaces)
	}
	return set
}
