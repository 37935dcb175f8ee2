package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/commerce-dash/settlement/internal/repositories"
	"github.com/commerce-dash/settlement/internal/services"
)

// Drainer processes due outbox jobs.
type Drainer interface {
	Drain(ctx context.Context, limit int) (services.SettlementReport, error)
}

// Runtime carries the dependencies the operator commands act on.
type Runtime struct {
	Migrate     func(ctx context.Context) error
	Orders      repositories.OrderRepository
	Worker      Drainer
	Snapshotter services.RevenueSnapshotter
	Bonuses     services.BonusEvaluator
	Close       func(ctx context.Context) error
}

// Opener builds a Runtime when a command runs, so help output never dials Postgres.
type Opener func(ctx context.Context) (*Runtime, error)

// NewRootCommand assembles settlectl.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "settlectl",
		Short: "Operate the order settlement engine",
		Long: `settlectl runs maintenance tasks against the settlement database:
schema migration, draining the settlement outbox, and re-running the
revenue snapshot or bonus evaluation for a single order.`,
		SilenceUsage: true,
	}

	app := &app{open: open}
	root.AddCommand(newMigrateCommand(app))
	root.AddCommand(newJobsCommand(app))
	root.AddCommand(newRevenueCommand(app))
	root.AddCommand(newBonusCommand(app))
	return root
}

type app struct {
	open Opener
}

// with opens the runtime, runs fn, and closes it again.
func (a *app) with(ctx context.Context, fn func(rt *Runtime) error) (err error) {
	if a.open == nil {
		return errors.New("runtime opener is not configured")
	}
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rt.Close != nil {
			err = errors.Join(err, rt.Close(context.WithoutCancel(ctx)))
		}
	}()
	return fn(rt)
}
