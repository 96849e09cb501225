package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tradeledger/position-engine/internal/app"
	"github.com/tradeledger/position-engine/internal/model"
	"github.com/tradeledger/position-engine/internal/options"
)

// withApp opens the components, runs fn and closes them.
func withApp(cmd *cobra.Command, open opener, fn func(a *app.App) error) error {
	a, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newMigrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				if err := a.Migrate(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newReconcileCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild every position from the trade log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				rep, err := a.Reconciler.Run(cmd.Context())
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			})
		},
	}
}

func newCloseOptionCmd(open opener) *cobra.Command {
	var (
		status string
		date   string
		price  string
		fee    string
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "close-option <id>",
		Short: "Settle an open option trade",
		Long: `Settle an open option trade with a terminal status.

Examples:
  ledgerctl close-option 42 --status expired --date 2024-02-16
  ledgerctl close-option 42 --status closed --date 2024-02-01 --price 0.35 --fee 0.65
  ledgerctl close-option 42 --status assigned --date 2024-02-16`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid option id %q", args[0])
			}
			closeDate, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD")
			}
			closePrice, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price: %w", err)
			}
			closeFee, err := decimal.NewFromString(fee)
			if err != nil {
				return fmt.Errorf("invalid --fee: %w", err)
			}

			return withApp(cmd, open, func(a *app.App) error {
				o, err := a.Settler.Close(cmd.Context(), id, options.CloseRequest{
					Status:     model.OptionStatus(status),
					CloseDate:  closeDate,
					ClosePrice: closePrice,
					CloseFee:   closeFee,
					Notes:      notes,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "option %d %s %s: profit/loss %s\n",
					o.ID, o.Ticker, o.Status, o.ProfitLoss.Decimal.StringFixed(2))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Terminal status: expired, exercised, assigned or closed")
	cmd.Flags().StringVar(&date, "date", "", "Close date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&price, "price", "0", "Close price per share")
	cmd.Flags().StringVar(&fee, "fee", "0", "Close fee")
	cmd.Flags().StringVar(&notes, "notes", "", "Replacement notes (existing notes kept when empty)")
	cmd.MarkFlagRequired("status")
	cmd.MarkFlagRequired("date")
	return cmd
}

func newTaxesCmd(open opener) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "taxes",
		Short: "Print realized gains and estimated tax per year",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be table or json")
			}
			return withApp(cmd, open, func(a *app.App) error {
				ctx := cmd.Context()
				positions, err := a.Store.ListPositions(ctx, model.PositionClosed)
				if err != nil {
					return err
				}
				opts, err := a.Store.ListOptionTrades(ctx, model.ClosedOptionStatuses...)
				if err != nil {
					return err
				}
				summary := a.Classifier.Aggregate(positions, opts)

				out := cmd.OutOrStdout()
				if format == "json" {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(summary)
				}

				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "YEAR\tASSET\tTERM\tGAIN\tTAX")
				for _, row := range summary.Breakdown {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", row.Year, row.Asset, row.Term, row.Gain.StringFixed(2), row.Tax.StringFixed(2))
				}
				for _, y := range summary.Years {
					fmt.Fprintf(tw, "%d\tall\tall\t%s\t%s\n", y.Year, y.Gain.StringFixed(2), y.Tax.StringFixed(2))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format (table|json)")
	return cmd
}
