package services

import (
	"fmt"
	"slices"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

// TransitionEffect is a side effect triggered by moving an order between two statuses.
type TransitionEffect int

const (
	// EffectReserve charges points and decrements stock for every cart line.
	EffectReserve TransitionEffect = iota + 1
	// EffectRelease refunds points and restocks every cart line.
	EffectRelease
	// EffectAppendUnderpaidMeta records a partial payment in the order event log.
	EffectAppendUnderpaidMeta
	// EffectSnapshotRevenue enqueues a revenue snapshot job.
	EffectSnapshotRevenue
	// EffectEvaluateBonus enqueues a bonus evaluation job.
	EffectEvaluateBonus
)

func (e TransitionEffect) String() string {
	switch e {
	case EffectReserve:
		return "reserve"
	case EffectRelease:
		return "release"
	case EffectAppendUnderpaidMeta:
		return "append_underpaid_meta"
	case EffectSnapshotRevenue:
		return "snapshot_revenue"
	case EffectEvaluateBonus:
		return "evaluate_bonus"
	default:
		return "unknown"
	}
}

type transitionKey struct {
	from domain.OrderStatus
	to   domain.OrderStatus
}

// TransitionTable maps every (from, to) status pair to its effects.
type TransitionTable struct {
	effects map[transitionKey][]TransitionEffect
}

// NewTransitionTable builds the table over the supplied statuses. Every status must belong to a
// reservation partition.
func NewTransitionTable(statuses []domain.OrderStatus) (*TransitionTable, error) {
	if len(statuses) == 0 {
		return nil, fmt.Errorf("transition table: no statuses")
	}
	for _, status := range statuses {
		if status.Partition() == 0 {
			return nil, fmt.Errorf("transition table: %w: %q", domain.ErrUnknownOrderStatus, status)
		}
	}

	table := &TransitionTable{effects: make(map[transitionKey][]TransitionEffect, len(statuses)*len(statuses))}
	for _, from := range statuses {
		for _, to := range statuses {
			table.effects[transitionKey{from: from, to: to}] = effectsFor(from, to)
		}
	}
	return table, nil
}

// DefaultTransitionTable covers the full order lifecycle.
func DefaultTransitionTable() *TransitionTable {
	table, err := NewTransitionTable(domain.OrderStatuses())
	if err != nil {
		panic(err)
	}
	return table
}

// Effects returns the effects for the pair, in execution order.
func (t *TransitionTable) Effects(from, to domain.OrderStatus) ([]TransitionEffect, error) {
	effects, ok := t.effects[transitionKey{from: from, to: to}]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, from, to)
	}
	return slices.Clone(effects), nil
}

func effectsFor(from, to domain.OrderStatus) []TransitionEffect {
	var effects []TransitionEffect
	if to.IsActive() && !from.IsActive() {
		effects = append(effects, EffectReserve)
	}
	if to.IsInactive() && !from.IsInactive() {
		effects = append(effects, EffectRelease)
	}
	if to == domain.OrderStatusUnderpaid {
		effects = append(effects, EffectAppendUnderpaidMeta)
	}
	if to == domain.OrderStatusPaid {
		effects = append(effects, EffectSnapshotRevenue)
		if from != domain.OrderStatusPaid {
			effects = append(effects, EffectEvaluateBonus)
		}
	}
	return effects
}

func hasEffect(effects []TransitionEffect, effect TransitionEffect) bool {
	return slices.Contains(effects, effect)
}
