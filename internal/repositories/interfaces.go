package repositories

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Clients() ClientRepository
	Stock() StockRepository
	Points() PointLedgerRepository
	Revenues() RevenueRepository
	ExchangeRates() ExchangeRateRepository
	AffiliateSettings() AffiliateSettingsRepository
	SettlementJobs() SettlementJobRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
// Repositories called with the context handed to fn join the transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderStatusUpdate describes the write performed when an order changes status.
type OrderStatusUpdate struct {
	OrderID string
	Status  domain.OrderStatus
	At      time.Time
	// AppendMeta, when set, is appended to the order event log.
	AppendMeta *domain.OrderMetaEvent
	// MarkNotified sets notifiedPaidOrCompleted; the flag is never cleared.
	MarkNotified bool
	// MarkOpenNotified records that the one-time open notice was enqueued.
	MarkOpenNotified bool
}

// OrderRepository reads and mutates orders.
type OrderRepository interface {
	// LockByID loads the order with a row lock; callers must be inside RunInTx.
	LockByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// UpdateStatus writes the status and stamps the first-reached timestamp only when unset.
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) error
	MarkReferralAwarded(ctx context.Context, orderID string, at time.Time) error
}

// CartRepository loads priced cart lines.
type CartRepository interface {
	// ListLines returns the cart lines with cost and category resolved for the country.
	ListLines(ctx context.Context, cartID string, country string) ([]domain.CartLine, error)
}

// ClientRepository reads paying clients.
type ClientRepository interface {
	FindByID(ctx context.Context, clientID string) (domain.Client, error)
}

// StockAdjustment applies a signed quantity to warehouse stock.
type StockAdjustment struct {
	ProductID          string
	AffiliateProductID string
	VariationID        string
	Country            string
	Delta              int64
	At                 time.Time
}

// StockRepository mutates warehouse stock counters.
type StockRepository interface {
	// Adjust applies the delta to the preferred warehouse row and reports whether a row matched.
	Adjust(ctx context.Context, adjustment StockAdjustment) (bool, error)
}

// BalanceDelta is the aggregate change applied alongside a ledger entry.
type BalanceDelta struct {
	ClientID       string
	OrganizationID string
	CurrentDelta   int64
	SpentDelta     int64
	At             time.Time
}

// PointLedgerRepository persists point logs and balances.
type PointLedgerRepository interface {
	AppendLog(ctx context.Context, log domain.PointLog) error
	// ApplyDelta upserts the balance, flooring spent points at zero, and returns the new aggregate.
	ApplyDelta(ctx context.Context, delta BalanceDelta) (domain.PointBalance, error)
	// LockBalance creates the balance row when missing and locks it for the current transaction.
	LockBalance(ctx context.Context, clientID, organizationID string, at time.Time) (domain.PointBalance, error)
	SumByAction(ctx context.Context, clientID, organizationID string, action domain.PointAction) (int64, error)
}

// RevenueRepository persists revenue snapshots.
type RevenueRepository interface {
	FindByOrder(ctx context.Context, orderID string) (domain.OrderRevenue, error)
	// Insert stores the order row and its category rows; a duplicate order yields a conflict error.
	Insert(ctx context.Context, revenue domain.OrderRevenue) error
	// SumClientEUR totals EUR revenue over the client's paid and completed orders.
	SumClientEUR(ctx context.Context, clientID, organizationID string) (decimal.Decimal, error)
}

// ExchangeRateRepository stores one cross-rate row per hour bucket.
type ExchangeRateRepository interface {
	FindByBucket(ctx context.Context, bucket time.Time) (domain.ExchangeRate, error)
	// InsertIfAbsent keeps the first row written for a bucket and returns the stored row.
	InsertIfAbsent(ctx context.Context, rate domain.ExchangeRate) (domain.ExchangeRate, error)
}

// AffiliateSettingsRepository reads bonus programme configuration.
type AffiliateSettingsRepository interface {
	FindByOrganization(ctx context.Context, organizationID string) (domain.AffiliateSettings, error)
}

// SettlementJobRepository is the transactional outbox for post-commit effects.
type SettlementJobRepository interface {
	Enqueue(ctx context.Context, job domain.SettlementJob) error
	FindByID(ctx context.Context, jobID string) (domain.SettlementJob, error)
	// Claim leases a single pending job; ok is false when the job is not claimable.
	Claim(ctx context.Context, jobID string, now, leaseUntil time.Time) (job domain.SettlementJob, ok bool, err error)
	// ClaimDue leases up to limit due jobs, skipping rows locked by other workers.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]domain.SettlementJob, error)
	MarkDone(ctx context.Context, jobID string, at time.Time) error
	MarkRetry(ctx context.Context, jobID string, lastErr string, nextAttempt time.Time, at time.Time) error
	MarkFailed(ctx context.Context, jobID string, lastErr string, at time.Time) error
	// Backlog counts jobs due at now and jobs parked as failed.
	Backlog(ctx context.Context, now time.Time) (domain.SettlementBacklog, error)
}

// HealthRepository gathers dependency health information for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
