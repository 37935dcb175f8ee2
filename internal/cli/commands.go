package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/commerce-dash/settlement/internal/services"
)

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the settlement schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.with(cmd.Context(), func(rt *Runtime) error {
				if rt.Migrate == nil {
					return errors.New("migrations are not available")
				}
				if err := rt.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}
}

func newJobsCommand(a *app) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and process the settlement outbox",
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Process due outbox jobs",
		Long: `Claim due outbox jobs and run them once. With --all the command keeps
claiming batches until none are due.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			all, _ := cmd.Flags().GetBool("all")
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative")
			}
			return a.with(cmd.Context(), func(rt *Runtime) error {
				var total services.SettlementReport
				for {
					report, err := rt.Worker.Drain(cmd.Context(), limit)
					if err != nil {
						return fmt.Errorf("drain: %w", err)
					}
					total.Claimed += report.Claimed
					total.Succeeded += report.Succeeded
					total.Retried += report.Retried
					total.Failed += report.Failed
					if !all || report.Claimed == 0 {
						break
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d succeeded=%d retried=%d failed=%d\n",
					total.Claimed, total.Succeeded, total.Retried, total.Failed)
				return nil
			})
		},
	}
	drain.Flags().Int("limit", 0, "Maximum jobs per batch (0 uses the configured batch size)")
	drain.Flags().Bool("all", false, "Keep draining until no jobs are due")

	jobs.AddCommand(drain)
	return jobs
}

func newRevenueCommand(a *app) *cobra.Command {
	revenue := &cobra.Command{
		Use:   "revenue",
		Short: "Work with order revenue snapshots",
	}
	revenue.AddCommand(&cobra.Command{
		Use:   "snapshot ORDER_ID",
		Short: "Compute the revenue snapshot for one order",
		Long:  `Runs the revenue snapshot for the order. An existing snapshot is returned unchanged.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			return a.with(cmd.Context(), func(rt *Runtime) error {
				order, err := rt.Orders.FindByID(cmd.Context(), orderID)
				if err != nil {
					return fmt.Errorf("load order: %w", err)
				}
				rev, err := rt.Snapshotter.Snapshot(cmd.Context(), order.ID, order.OrganizationID)
				if err != nil {
					return fmt.Errorf("snapshot: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "order %s (%s, %s)\n", rev.OrderID, rev.HomeCurrency, rev.PaymentMethod)
				fmt.Fprintf(out, "total    USD %s  GBP %s  EUR %s\n", rev.Total.USD.StringFixed(2), rev.Total.GBP.StringFixed(2), rev.Total.EUR.StringFixed(2))
				fmt.Fprintf(out, "discount USD %s  GBP %s  EUR %s\n", rev.Discount.USD.StringFixed(2), rev.Discount.GBP.StringFixed(2), rev.Discount.EUR.StringFixed(2))
				fmt.Fprintf(out, "shipping USD %s  GBP %s  EUR %s\n", rev.Shipping.USD.StringFixed(2), rev.Shipping.GBP.StringFixed(2), rev.Shipping.EUR.StringFixed(2))
				fmt.Fprintf(out, "cost     USD %s  GBP %s  EUR %s\n", rev.Cost.USD.StringFixed(2), rev.Cost.GBP.StringFixed(2), rev.Cost.EUR.StringFixed(2))
				return nil
			})
		},
	})
	return revenue
}

func newBonusCommand(a *app) *cobra.Command {
	bonus := &cobra.Command{
		Use:   "bonus",
		Short: "Work with loyalty bonuses",
	}
	bonus.AddCommand(&cobra.Command{
		Use:   "evaluate ORDER_ID",
		Short: "Evaluate referral and spending bonuses for one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			return a.with(cmd.Context(), func(rt *Runtime) error {
				order, err := rt.Orders.FindByID(cmd.Context(), orderID)
				if err != nil {
					return fmt.Errorf("load order: %w", err)
				}
				result, err := rt.Bonuses.Evaluate(cmd.Context(), services.BonusEvaluationCommand{
					OrderID:        order.ID,
					ClientID:       order.ClientID,
					OrganizationID: order.OrganizationID,
				})
				if err != nil {
					return fmt.Errorf("evaluate: %w", err)
				}
				out := cmd.OutOrStdout()
				if result.ReferralPoints > 0 {
					fmt.Fprintf(out, "referral: %d points to %s\n", result.ReferralPoints, result.ReferrerID)
				} else {
					fmt.Fprintln(out, "referral: none")
				}
				fmt.Fprintf(out, "spending: %d points\n", result.SpendingPoints)
				return nil
			})
		},
	})
	return bonus
}

func parseOrderID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid order id %q", raw)
	}
	return id.String(), nil
}
