package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

// ErrBonusInvalidInput indicates a malformed evaluation request.
var ErrBonusInvalidInput = errors.New("bonus: invalid input")

// BonusEvaluatorDeps bundles collaborators required to construct the bonus evaluator.
type BonusEvaluatorDeps struct {
	Orders      repositories.OrderRepository
	Clients     repositories.ClientRepository
	Settings    repositories.AffiliateSettingsRepository
	Revenues    repositories.RevenueRepository
	Points      repositories.PointLedgerRepository
	Ledger      BalanceLedger
	Snapshotter RevenueSnapshotter
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type bonusEvaluator struct {
	orders      repositories.OrderRepository
	clients     repositories.ClientRepository
	settings    repositories.AffiliateSettingsRepository
	revenues    repositories.RevenueRepository
	points      repositories.PointLedgerRepository
	ledger      BalanceLedger
	snapshotter RevenueSnapshotter
	unitOfWork  repositories.UnitOfWork
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

// NewBonusEvaluator wires dependencies into a BonusEvaluator.
func NewBonusEvaluator(deps BonusEvaluatorDeps) (BonusEvaluator, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("bonus evaluator: order repository is required")
	case deps.Clients == nil:
		return nil, errors.New("bonus evaluator: client repository is required")
	case deps.Settings == nil:
		return nil, errors.New("bonus evaluator: affiliate settings repository is required")
	case deps.Revenues == nil:
		return nil, errors.New("bonus evaluator: revenue repository is required")
	case deps.Points == nil:
		return nil, errors.New("bonus evaluator: point repository is required")
	case deps.Ledger == nil:
		return nil, errors.New("bonus evaluator: balance ledger is required")
	case deps.Snapshotter == nil:
		return nil, errors.New("bonus evaluator: revenue snapshotter is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &bonusEvaluator{
		orders:      deps.Orders,
		clients:     deps.Clients,
		settings:    deps.Settings,
		revenues:    deps.Revenues,
		points:      deps.Points,
		ledger:      deps.Ledger,
		snapshotter: deps.Snapshotter,
		unitOfWork:  unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (e *bonusEvaluator) Evaluate(ctx context.Context, cmd BonusEvaluationCommand) (result BonusResult, err error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	orgID := strings.TrimSpace(cmd.OrganizationID)
	clientID := strings.TrimSpace(cmd.ClientID)
	if orderID == "" || orgID == "" {
		return BonusResult{}, fmt.Errorf("%w: order and organization are required", ErrBonusInvalidInput)
	}

	ctx, span := serviceTracer.Start(ctx, "bonus.evaluate", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Spend totals read the order's own snapshot.
	if _, err := e.snapshotter.Snapshot(ctx, orderID, orgID); err != nil {
		return BonusResult{}, fmt.Errorf("bonus: revenue snapshot: %w", err)
	}

	settings, err := e.settings.FindByOrganization(ctx, orgID)
	if err != nil {
		return BonusResult{}, fmt.Errorf("bonus: load settings: %w", err)
	}

	if clientID == "" {
		order, err := e.orders.FindByID(ctx, orderID)
		if err != nil {
			return BonusResult{}, fmt.Errorf("bonus: load order: %w", err)
		}
		clientID = order.ClientID
	}

	if settings.ReferralEnabled() {
		referrer, points, err := e.awardReferral(ctx, orderID, clientID, settings)
		if err != nil {
			return BonusResult{}, err
		}
		result.ReferrerID = referrer
		result.ReferralPoints = points
	}

	if settings.SpendingEnabled() {
		points, err := e.awardSpending(ctx, orderID, clientID, orgID, settings)
		if err != nil {
			return BonusResult{}, err
		}
		result.SpendingPoints = points
	}

	span.SetAttributes(
		attribute.Int64("bonus.referral_points", result.ReferralPoints),
		attribute.Int64("bonus.spending_points", result.SpendingPoints),
	)
	return result, nil
}

// awardReferral credits the referrer once per order. The order row lock serialises duplicate runs.
func (e *bonusEvaluator) awardReferral(ctx context.Context, orderID, clientID string, settings domain.AffiliateSettings) (string, int64, error) {
	var (
		referrer string
		awarded  int64
	)
	err := e.runInTx(ctx, func(txCtx context.Context) error {
		order, err := e.orders.LockByID(txCtx, orderID)
		if err != nil {
			return fmt.Errorf("bonus: lock order: %w", err)
		}
		if order.ReferralAwarded {
			return nil
		}
		client, err := e.clients.FindByID(txCtx, clientID)
		if err != nil {
			return fmt.Errorf("bonus: load client: %w", err)
		}
		referredBy := strings.TrimSpace(client.ReferredBy)
		if referredBy == "" || referredBy == client.ID {
			return nil
		}

		if _, err := e.ledger.Credit(txCtx, LedgerEntry{
			ClientID:       referredBy,
			OrganizationID: order.OrganizationID,
			OrderID:        order.ID,
			Points:         settings.PointsPerReferral,
			Action:         domain.PointActionReferralBonus,
			Description:    fmt.Sprintf("Referral bonus for %s", client.DisplayName()),
			SourceClientID: client.ID,
		}); err != nil {
			return err
		}
		if err := e.orders.MarkReferralAwarded(txCtx, order.ID, e.clock()); err != nil {
			return fmt.Errorf("bonus: mark referral awarded: %w", err)
		}
		referrer = referredBy
		awarded = settings.PointsPerReferral
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	if awarded > 0 {
		e.logger(ctx, "bonus.referral.awarded", map[string]any{
			"orderId":    orderID,
			"referrerId": referrer,
			"points":     awarded,
		})
	}
	return referrer, awarded, nil
}

// awardSpending credits the difference between the milestone points the client should hold and
// the spending bonuses already logged. The balance row lock serialises concurrent evaluations.
func (e *bonusEvaluator) awardSpending(ctx context.Context, orderID, clientID, orgID string, settings domain.AffiliateSettings) (int64, error) {
	var credited int64
	err := e.runInTx(ctx, func(txCtx context.Context) error {
		if _, err := e.points.LockBalance(txCtx, clientID, orgID, e.clock()); err != nil {
			return fmt.Errorf("bonus: lock balance: %w", err)
		}
		spend, err := e.revenues.SumClientEUR(txCtx, clientID, orgID)
		if err != nil {
			return fmt.Errorf("bonus: lifetime spend: %w", err)
		}
		already, err := e.ledger.SumByAction(txCtx, clientID, orgID, domain.PointActionSpendingBonus)
		if err != nil {
			return err
		}

		owed := SpendingBonusOwed(spend, settings) - already
		if owed <= 0 {
			return nil
		}
		if _, err := e.ledger.Credit(txCtx, LedgerEntry{
			ClientID:       clientID,
			OrganizationID: orgID,
			OrderID:        orderID,
			Points:         owed,
			Action:         domain.PointActionSpendingBonus,
			Description:    fmt.Sprintf("Spending milestone bonus (lifetime spend EUR %s)", spend.StringFixed(2)),
		}); err != nil {
			return err
		}
		credited = owed
		return nil
	})
	if err != nil {
		return 0, err
	}
	if credited > 0 {
		e.logger(ctx, "bonus.spending.awarded", map[string]any{
			"orderId":  orderID,
			"clientId": clientID,
			"points":   credited,
		})
	}
	return credited, nil
}

// SpendingBonusOwed returns the total milestone points a lifetime EUR spend is worth.
func SpendingBonusOwed(spendEUR decimal.Decimal, settings domain.AffiliateSettings) int64 {
	if !settings.SpendingEnabled() || !spendEUR.IsPositive() {
		return 0
	}
	steps := spendEUR.Div(settings.SpendingStepEUR).Floor()
	return steps.IntPart() * settings.PointsPerStep
}

func (e *bonusEvaluator) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if e.unitOfWork == nil {
		return fn(ctx)
	}
	return e.unitOfWork.RunInTx(ctx, fn)
}
