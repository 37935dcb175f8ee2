package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order               = domain.Order
	OrderStatus         = domain.OrderStatus
	CartLine            = domain.CartLine
	PointBalance        = domain.PointBalance
	OrderRevenue        = domain.OrderRevenue
	ExchangeRate        = domain.ExchangeRate
	SettlementJob       = domain.SettlementJob
	Notification        = domain.Notification
	NotificationPayload = domain.NotificationPayload
	SystemHealthReport  = domain.SystemHealthReport
	StockAdjustment     = repositories.StockAdjustment
)

// OrderTransitionService moves orders through the status lifecycle and settles the side effects.
type OrderTransitionService interface {
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (OrderTransitionResult, error)
	// Resettle re-enqueues revenue and bonus jobs for a paid or completed order.
	Resettle(ctx context.Context, cmd ResettleOrderCommand) (ResettleOrderResult, error)
}

// OrderStatusTransitionCommand requests a status change.
type OrderStatusTransitionCommand struct {
	OrderID string
	Status  string
	ActorID string
}

// OrderTransitionResult is the response body of a successful transition.
type OrderTransitionResult struct {
	ID     string
	Status OrderStatus
	// JobIDs lists the settlement jobs enqueued by the transition.
	JobIDs []string
}

// ResettleOrderCommand asks for settlement jobs to be enqueued again.
type ResettleOrderCommand struct {
	OrderID string
	ActorID string
}

// ResettleOrderResult lists the jobs enqueued for reconciliation.
type ResettleOrderResult struct {
	OrderID string
	JobIDs  []string
}

// StockAdjuster applies signed quantity deltas to warehouse stock.
type StockAdjuster interface {
	Adjust(ctx context.Context, adjustment StockAdjustment) error
}

// LedgerEntry is one point movement. Points is always a non-negative magnitude.
type LedgerEntry struct {
	ClientID       string
	OrganizationID string
	OrderID        string
	Points         int64
	Action         domain.PointAction
	Description    string
	SourceClientID string
}

// BalanceLedger records point movements and keeps balances in step with the log.
type BalanceLedger interface {
	Credit(ctx context.Context, entry LedgerEntry) (PointBalance, error)
	Debit(ctx context.Context, entry LedgerEntry) (PointBalance, error)
	SumByAction(ctx context.Context, clientID, organizationID string, action domain.PointAction) (int64, error)
}

// RevenueSnapshotter computes the multi-currency revenue breakdown of a paid order once.
type RevenueSnapshotter interface {
	Snapshot(ctx context.Context, orderID, organizationID string) (OrderRevenue, error)
}

// CrossRateProvider returns the stored USD cross-rates for the hour containing at.
type CrossRateProvider interface {
	RateFor(ctx context.Context, at time.Time) (ExchangeRate, error)
}

// SpotPriceProvider returns the USD price of a crypto asset closest to at.
type SpotPriceProvider interface {
	SpotPriceUSD(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error)
}

// CurrencyResolver maps a country to its reporting home currency.
type CurrencyResolver interface {
	HomeCurrency(country string) domain.Currency
}

// BonusEvaluator awards referral and spending milestone bonuses.
type BonusEvaluator interface {
	Evaluate(ctx context.Context, cmd BonusEvaluationCommand) (BonusResult, error)
}

// BonusEvaluationCommand identifies the paid order to evaluate.
type BonusEvaluationCommand struct {
	OrderID        string
	ClientID       string
	OrganizationID string
}

// BonusResult reports the points credited by one evaluation.
type BonusResult struct {
	ReferrerID     string
	ReferralPoints int64
	SpendingPoints int64
}

// NotificationComposer renders a notification outbox payload into a deliverable message.
type NotificationComposer interface {
	Compose(ctx context.Context, job SettlementJob, payload NotificationPayload) (Notification, error)
}

// NotificationDispatcher delivers a rendered notification on its channels.
type NotificationDispatcher interface {
	SendNotification(ctx context.Context, notification Notification) error
}

// SettlementWorker executes outbox jobs.
type SettlementWorker interface {
	Process(ctx context.Context, jobIDs []string) (SettlementReport, error)
	Drain(ctx context.Context, limit int) (SettlementReport, error)
}

// SettlementTrigger hands freshly committed job ids to a worker without blocking the caller.
type SettlementTrigger interface {
	Trigger(ctx context.Context, jobIDs []string)
}

// SettlementReport summarises a processing pass.
type SettlementReport struct {
	Claimed   int
	Succeeded int
	Retried   int
	Failed    int
}

// SystemService exposes health reports for readiness probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
