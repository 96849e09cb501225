// Command ledgerctl runs maintenance operations against the ledger store:
// schema migration, position reconciliation, option settlement and the
// tax summary.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tradeledger/position-engine/internal/app"
	"github.com/tradeledger/position-engine/internal/config"
)

// opener builds the wired components for one command invocation.
type opener func(ctx context.Context) (*app.App, error)

func openFromEnv(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	app.SetupLogging(cfg)
	return app.New(ctx, cfg)
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Position ledger maintenance",
		Long: `ledgerctl operates on the store configured by DATABASE_URL (or
CONFIG_FILE / .env). Without a database it runs against an empty
in-memory store, which is only useful for trying the commands out.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newMigrateCmd(open),
		newReconcileCmd(open),
		newCloseOptionCmd(open),
		newTaxesCmd(open),
	)
	return root
}

func main() {
	if err := newRootCmd(openFromEnv).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
