package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/commerce-dash/settlement/internal/domain"
	"github.com/commerce-dash/settlement/internal/repositories"
)

// ErrLedgerInvalidInput indicates a malformed ledger entry.
var ErrLedgerInvalidInput = errors.New("ledger: invalid input")

// BalanceLedgerDeps bundles collaborators required to construct the balance ledger.
type BalanceLedgerDeps struct {
	Points      repositories.PointLedgerRepository
	Clock       func() time.Time
	IDGenerator func() string
}

type balanceLedger struct {
	points repositories.PointLedgerRepository
	clock  func() time.Time
	newID  func() string
}

// NewBalanceLedger wires the point repository into a BalanceLedger.
func NewBalanceLedger(deps BalanceLedgerDeps) (BalanceLedger, error) {
	if deps.Points == nil {
		return nil, errors.New("balance ledger: point repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	return &balanceLedger{
		points: deps.Points,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
	}, nil
}

// Credit adds points to the client's spendable balance.
func (l *balanceLedger) Credit(ctx context.Context, entry LedgerEntry) (PointBalance, error) {
	return l.apply(ctx, entry, 1)
}

// Debit removes points from the client's spendable balance.
func (l *balanceLedger) Debit(ctx context.Context, entry LedgerEntry) (PointBalance, error) {
	return l.apply(ctx, entry, -1)
}

func (l *balanceLedger) SumByAction(ctx context.Context, clientID, organizationID string, action domain.PointAction) (int64, error) {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(organizationID) == "" {
		return 0, fmt.Errorf("%w: client and organization are required", ErrLedgerInvalidInput)
	}
	total, err := l.points.SumByAction(ctx, clientID, organizationID, action)
	if err != nil {
		return 0, fmt.Errorf("ledger: sum %s: %w", action, err)
	}
	return total, nil
}

// apply writes the log row and the balance delta. A zero entry writes nothing and returns a
// zero balance.
func (l *balanceLedger) apply(ctx context.Context, entry LedgerEntry, sign int64) (PointBalance, error) {
	if err := validateLedgerEntry(entry); err != nil {
		return PointBalance{}, err
	}
	if entry.Points == 0 {
		return PointBalance{}, nil
	}

	now := l.clock()
	delta := sign * entry.Points
	var spentDelta int64
	if entry.Action.AffectsSpend() {
		spentDelta = -delta
	}

	if err := l.points.AppendLog(ctx, domain.PointLog{
		ID:             l.newID(),
		ClientID:       entry.ClientID,
		OrganizationID: entry.OrganizationID,
		OrderID:        strings.TrimSpace(entry.OrderID),
		Points:         delta,
		Action:         entry.Action,
		Description:    strings.TrimSpace(entry.Description),
		SourceClientID: strings.TrimSpace(entry.SourceClientID),
		CreatedAt:      now,
	}); err != nil {
		return PointBalance{}, fmt.Errorf("ledger: append %s: %w", entry.Action, err)
	}

	balance, err := l.points.ApplyDelta(ctx, repositories.BalanceDelta{
		ClientID:       entry.ClientID,
		OrganizationID: entry.OrganizationID,
		CurrentDelta:   delta,
		SpentDelta:     spentDelta,
		At:             now,
	})
	if err != nil {
		return PointBalance{}, fmt.Errorf("ledger: apply %s: %w", entry.Action, err)
	}
	return balance, nil
}

func validateLedgerEntry(entry LedgerEntry) error {
	switch {
	case strings.TrimSpace(entry.ClientID) == "":
		return fmt.Errorf("%w: client id is required", ErrLedgerInvalidInput)
	case strings.TrimSpace(entry.OrganizationID) == "":
		return fmt.Errorf("%w: organization id is required", ErrLedgerInvalidInput)
	case entry.Points < 0:
		return fmt.Errorf("%w: points must be a non-negative magnitude", ErrLedgerInvalidInput)
	case !entry.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrLedgerInvalidInput, entry.Action)
	}
	return nil
}
