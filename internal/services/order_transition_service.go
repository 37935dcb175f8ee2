package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

const (
	orderMetaUnderpaid = "underpaid"

	orderEventTransitioned = "order.status.transitioned"
	orderEventTriggerSkip  = "order.settlement.trigger.skipped"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates the order cannot accept the requested operation.
	ErrOrderInvalidState = errors.New("order: invalid state")
	// ErrOrderConflict indicates a concurrent write won.
	ErrOrderConflict = errors.New("order: conflict")
)

var serviceTracer = otel.Tracer("github.com/commerce-dash/settlement/internal/services")

// OrderTransitionServiceDeps bundles collaborators required to construct the transition service.
type OrderTransitionServiceDeps struct {
	Orders      repositories.OrderRepository
	Carts       repositories.CartRepository
	Jobs        repositories.SettlementJobRepository
	Stock       StockAdjuster
	Ledger      BalanceLedger
	Currencies  CurrencyResolver
	Table       *TransitionTable
	Trigger     SettlementTrigger
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderTransitionService struct {
	orders     repositories.OrderRepository
	carts      repositories.CartRepository
	jobs       repositories.SettlementJobRepository
	stock      StockAdjuster
	ledger     BalanceLedger
	currencies CurrencyResolver
	table      *TransitionTable
	trigger    SettlementTrigger
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderTransitionService wires dependencies into the order transition orchestrator.
func NewOrderTransitionService(deps OrderTransitionServiceDeps) (OrderTransitionService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order transition service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order transition service: cart repository is required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("order transition service: settlement job repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("order transition service: stock adjuster is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order transition service: balance ledger is required")
	}

	table := deps.Table
	if table == nil {
		table = DefaultTransitionTable()
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
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderTransitionService{
		orders:     deps.Orders,
		carts:      deps.Carts,
		jobs:       deps.Jobs,
		stock:      deps.Stock,
		ledger:     deps.Ledger,
		currencies: deps.Currencies,
		table:      table,
		trigger:    deps.Trigger,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderTransitionService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (result OrderTransitionResult, err error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return OrderTransitionResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, err := domain.ParseOrderStatus(cmd.Status)
	if err != nil {
		return OrderTransitionResult{}, fmt.Errorf("%w: %w", ErrOrderInvalidInput, err)
	}

	ctx, span := serviceTracer.Start(ctx, "order.transition", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.to", string(target)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var (
		previous domain.OrderStatus
		jobIDs   []string
	)
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		// The unit of work may rerun this closure after a serialization failure.
		previous, jobIDs = "", nil
		order, err := s.orders.LockByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = order.Status

		effects, err := s.table.Effects(order.Status, target)
		if err != nil {
			return err
		}

		now := s.clock()
		if hasEffect(effects, EffectReserve) || hasEffect(effects, EffectRelease) {
			lines, err := s.carts.ListLines(txCtx, order.CartID, order.Country)
			if err != nil {
				return s.mapRepositoryError(err)
			}
			if hasEffect(effects, EffectReserve) {
				if err := s.settleReservation(txCtx, order, lines, -1, now); err != nil {
					return err
				}
			}
			if hasEffect(effects, EffectRelease) {
				if err := s.settleReservation(txCtx, order, lines, 1, now); err != nil {
					return err
				}
			}
		}

		decision := DecideNotification(order, target)
		update := repositories.OrderStatusUpdate{
			OrderID:          order.ID,
			Status:           target,
			At:               now,
			MarkNotified:     decision.MarkNotified,
			MarkOpenNotified: decision.MarkOpenNotified,
		}
		if hasEffect(effects, EffectAppendUnderpaidMeta) {
			update.AppendMeta = &domain.OrderMetaEvent{
				Type:       orderMetaUnderpaid,
				Status:     target,
				OccurredAt: now,
				ActorID:    strings.TrimSpace(cmd.ActorID),
				Data: map[string]any{
					"previousStatus": string(order.Status),
					"total":          order.Totals.Total.StringFixed(2),
				},
			}
		}
		if err := s.orders.UpdateStatus(txCtx, update); err != nil {
			return s.mapRepositoryError(err)
		}

		jobs, err := s.buildJobs(order, target, effects, decision, now)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := s.jobs.Enqueue(txCtx, job); err != nil {
				return fmt.Errorf("order: enqueue %s: %w", job.Kind, err)
			}
			jobIDs = append(jobIDs, job.ID)
		}
		return nil
	})
	if err != nil {
		return OrderTransitionResult{}, err
	}

	span.SetAttributes(attribute.String("order.status.from", string(previous)), attribute.Int("settlement.jobs", len(jobIDs)))
	s.logger(ctx, orderEventTransitioned, map[string]any{
		"orderId": orderID,
		"from":    string(previous),
		"to":      string(target),
		"jobs":    len(jobIDs),
	})
	s.triggerJobs(ctx, orderID, jobIDs)

	return OrderTransitionResult{ID: orderID, Status: target, JobIDs: jobIDs}, nil
}

func (s *orderTransitionService) Resettle(ctx context.Context, cmd ResettleOrderCommand) (ResettleOrderResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ResettleOrderResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var jobIDs []string
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		jobIDs = nil
		order, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status != domain.OrderStatusPaid && order.Status != domain.OrderStatusCompleted {
			return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, orderID, order.Status)
		}

		now := s.clock()
		for _, kind := range []domain.SettlementJobKind{domain.SettlementJobRevenueSnapshot, domain.SettlementJobBonusEvaluation} {
			job := s.newJob(order, kind, nil, now)
			if err := s.jobs.Enqueue(txCtx, job); err != nil {
				return fmt.Errorf("order: enqueue %s: %w", kind, err)
			}
			jobIDs = append(jobIDs, job.ID)
		}
		return nil
	})
	if err != nil {
		return ResettleOrderResult{}, err
	}

	s.logger(ctx, "order.settlement.requeued", map[string]any{
		"orderId": orderID,
		"actorId": strings.TrimSpace(cmd.ActorID),
		"jobs":    jobIDs,
	})
	s.triggerJobs(ctx, orderID, jobIDs)
	return ResettleOrderResult{OrderID: orderID, JobIDs: jobIDs}, nil
}

// settleReservation charges (sign -1) or refunds (sign +1) points and stock for every cart line,
// plus the redeemed discount points once.
func (s *orderTransitionService) settleReservation(ctx context.Context, order domain.Order, lines []domain.CartLine, sign int64, now time.Time) error {
	for _, line := range lines {
		if points := line.PointsCost(); points > 0 {
			entry := LedgerEntry{
				ClientID:       order.ClientID,
				OrganizationID: order.OrganizationID,
				OrderID:        order.ID,
				Points:         points,
			}
			var err error
			if sign < 0 {
				entry.Action = domain.PointActionPurchaseAffiliate
				entry.Description = fmt.Sprintf("Purchased %s x%d", lineTitle(line), line.Quantity)
				_, err = s.ledger.Debit(ctx, entry)
			} else {
				entry.Action = domain.PointActionRefundAffiliate
				entry.Description = fmt.Sprintf("Refunded %s x%d", lineTitle(line), line.Quantity)
				_, err = s.ledger.Credit(ctx, entry)
			}
			if err != nil {
				return err
			}
		}

		if line.Quantity <= 0 {
			continue
		}
		if err := s.stock.Adjust(ctx, StockAdjustment{
			ProductID:          line.ProductID,
			AffiliateProductID: line.AffiliateProductID,
			VariationID:        line.VariationID,
			Country:            order.Country,
			Delta:              sign * line.Quantity,
			At:                 now,
		}); err != nil {
			return err
		}
	}

	if order.PointsRedeemed > 0 {
		entry := LedgerEntry{
			ClientID:       order.ClientID,
			OrganizationID: order.OrganizationID,
			OrderID:        order.ID,
			Points:         order.PointsRedeemed,
		}
		var err error
		if sign < 0 {
			entry.Action = domain.PointActionRedeemPoints
			entry.Description = "Points redeemed on order " + order.ID
			_, err = s.ledger.Debit(ctx, entry)
		} else {
			entry.Action = domain.PointActionRefundRedeemedPoints
			entry.Description = "Redeemed points returned for order " + order.ID
			_, err = s.ledger.Credit(ctx, entry)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *orderTransitionService) buildJobs(order domain.Order, target domain.OrderStatus, effects []TransitionEffect, decision NotificationDecision, now time.Time) ([]domain.SettlementJob, error) {
	var jobs []domain.SettlementJob
	if hasEffect(effects, EffectSnapshotRevenue) {
		jobs = append(jobs, s.newJob(order, domain.SettlementJobRevenueSnapshot, nil, now))
	}
	if hasEffect(effects, EffectEvaluateBonus) {
		jobs = append(jobs, s.newJob(order, domain.SettlementJobBonusEvaluation, nil, now))
	}
	if decision.Notify {
		payload, err := json.Marshal(domain.NotificationPayload{
			Type:           decision.Type,
			Trigger:        target,
			PreviousStatus: order.Status,
			Country:        order.Country,
			Variables:      s.notificationVariables(order, target),
		})
		if err != nil {
			return nil, fmt.Errorf("order: encode notification payload: %w", err)
		}
		jobs = append(jobs, s.newJob(order, domain.SettlementJobNotification, payload, now))
	}
	return jobs, nil
}

func (s *orderTransitionService) newJob(order domain.Order, kind domain.SettlementJobKind, payload json.RawMessage, now time.Time) domain.SettlementJob {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return domain.SettlementJob{
		ID:             s.newID(),
		Kind:           kind,
		OrderID:        order.ID,
		OrganizationID: order.OrganizationID,
		ClientID:       order.ClientID,
		Payload:        payload,
		Status:         domain.SettlementJobPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *orderTransitionService) notificationVariables(order domain.Order, target domain.OrderStatus) map[string]string {
	vars := map[string]string{
		"orderId":        order.ID,
		"status":         string(target),
		"previousStatus": string(order.Status),
		"country":        order.Country,
		"total":          order.Totals.Total.StringFixed(2),
		"pointsRedeemed": strconv.FormatInt(order.PointsRedeemed, 10),
	}
	if s.currencies != nil {
		vars["currency"] = string(s.currencies.HomeCurrency(order.Country))
	}
	return vars
}

// triggerJobs hands committed jobs to the worker; anything it misses stays in the outbox.
func (s *orderTransitionService) triggerJobs(ctx context.Context, orderID string, jobIDs []string) {
	if len(jobIDs) == 0 {
		return
	}
	if s.trigger == nil {
		s.logger(ctx, orderEventTriggerSkip, map[string]any{"orderId": orderID, "jobs": jobIDs})
		return
	}
	s.trigger.Trigger(context.WithoutCancel(ctx), jobIDs)
}

func (s *orderTransitionService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %w", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %w", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}
	return err
}

func (s *orderTransitionService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func lineTitle(line domain.CartLine) string {
	if title := strings.TrimSpace(line.Title); title != "" {
		return title
	}
	if line.IsAffiliate() {
		return line.AffiliateProductID
	}
	return line.ProductID
}
