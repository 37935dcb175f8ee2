package services

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	domain "github.com/commerce-dash/settlement/internal/domain"
)

func genStatus() gopter.Gen {
	statuses := domain.OrderStatuses()
	values := make([]any, len(statuses))
	for i, s := range statuses {
		values[i] = s
	}
	return gen.OneConstOf(values...)
}

func TestTransitionTableExamples(t *testing.T) {
	table := DefaultTransitionTable()
	cases := []struct {
		from, to domain.OrderStatus
		want     []TransitionEffect
	}{
		{domain.OrderStatusOpen, domain.OrderStatusOpen, nil},
		{domain.OrderStatusOpen, domain.OrderStatusCancelled, []TransitionEffect{EffectRelease}},
		{domain.OrderStatusCancelled, domain.OrderStatusOpen, []TransitionEffect{EffectReserve}},
		{domain.OrderStatusOpen, domain.OrderStatusPaid, []TransitionEffect{EffectSnapshotRevenue, EffectEvaluateBonus}},
		{domain.OrderStatusPaid, domain.OrderStatusPaid, []TransitionEffect{EffectSnapshotRevenue}},
		{domain.OrderStatusFailed, domain.OrderStatusPaid, []TransitionEffect{EffectReserve, EffectSnapshotRevenue, EffectEvaluateBonus}},
		{domain.OrderStatusOpen, domain.OrderStatusUnderpaid, []TransitionEffect{EffectAppendUnderpaidMeta}},
		{domain.OrderStatusUnderpaid, domain.OrderStatusUnderpaid, []TransitionEffect{EffectAppendUnderpaidMeta}},
		{domain.OrderStatusCancelled, domain.OrderStatusRefunded, nil},
		{domain.OrderStatusCompleted, domain.OrderStatusRefunded, []TransitionEffect{EffectRelease}},
	}
	for _, tc := range cases {
		got, err := table.Effects(tc.from, tc.to)
		if err != nil {
			t.Fatalf("Effects(%s, %s): %v", tc.from, tc.to, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("Effects(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("Effects(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		}
	}
}

func TestTransitionTableRejectsUnknownPairs(t *testing.T) {
	table := DefaultTransitionTable()
	if _, err := table.Effects("shipped", domain.OrderStatusPaid); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}

	partial, err := NewTransitionTable([]domain.OrderStatus{domain.OrderStatusOpen, domain.OrderStatusPaid})
	if err != nil {
		t.Fatalf("NewTransitionTable: %v", err)
	}
	if _, err := partial.Effects(domain.OrderStatusOpen, domain.OrderStatusCancelled); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected pair outside the table to be rejected, got %v", err)
	}
}

func TestNewTransitionTableValidatesStatuses(t *testing.T) {
	if _, err := NewTransitionTable(nil); err == nil {
		t.Fatalf("expected error for empty status list")
	}
	_, err := NewTransitionTable([]domain.OrderStatus{domain.OrderStatusOpen, "shipped"})
	if !errors.Is(err, domain.ErrUnknownOrderStatus) {
		t.Fatalf("expected ErrUnknownOrderStatus, got %v", err)
	}
}

func TestTransitionTableEffectsAreCopies(t *testing.T) {
	table := DefaultTransitionTable()
	effects, _ := table.Effects(domain.OrderStatusOpen, domain.OrderStatusPaid)
	effects[0] = EffectRelease
	again, _ := table.Effects(domain.OrderStatusOpen, domain.OrderStatusPaid)
	if again[0] != EffectSnapshotRevenue {
		t.Fatalf("table mutated through returned slice: %v", again)
	}
}

func TestTransitionTableProperties(t *testing.T) {
	table := DefaultTransitionTable()
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("reserve and release are exclusive", prop.ForAll(
		func(from, to domain.OrderStatus) bool {
			effects, err := table.Effects(from, to)
			if err != nil {
				return false
			}
			return !(hasEffect(effects, EffectReserve) && hasEffect(effects, EffectRelease))
		},
		genStatus(), genStatus(),
	))

	properties.Property("reserve happens exactly when entering the active partition", prop.ForAll(
		func(from, to domain.OrderStatus) bool {
			effects, _ := table.Effects(from, to)
			want := to.IsActive() && from.IsInactive()
			return hasEffect(effects, EffectReserve) == want
		},
		genStatus(), genStatus(),
	))

	properties.Property("release happens exactly when leaving the active partition", prop.ForAll(
		func(from, to domain.OrderStatus) bool {
			effects, _ := table.Effects(from, to)
			want := to.IsInactive() && from.IsActive()
			return hasEffect(effects, EffectRelease) == want
		},
		genStatus(), genStatus(),
	))

	properties.Property("same-partition moves never touch reservations", prop.ForAll(
		func(from, to domain.OrderStatus) bool {
			if from.Partition() != to.Partition() {
				return true
			}
			effects, _ := table.Effects(from, to)
			return !hasEffect(effects, EffectReserve) && !hasEffect(effects, EffectRelease)
		},
		genStatus(), genStatus(),
	))

	properties.Property("bonus evaluation only on first entry into paid", prop.ForAll(
		func(from, to domain.OrderStatus) bool {
			effects, _ := table.Effects(from, to)
			want := to == domain.OrderStatusPaid && from != domain.OrderStatusPaid
			return hasEffect(effects, EffectEvaluateBonus) == want
		},
		genStatus(), genStatus(),
	))

	properties.TestingRun(t)
}

func TestTransitionEffectString(t *testing.T) {
	if EffectAppendUnderpaidMeta.String() != "append_underpaid_meta" {
		t.Fatalf("unexpected name %q", EffectAppendUnderpaidMeta.String())
	}
	if TransitionEffect(99).String() != "unknown" {
		t.Fatalf("expected unknown for out of range effect")
	}
}
