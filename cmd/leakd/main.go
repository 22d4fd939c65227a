package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/leakguard/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "leakd",
		Short: "Revenue leak detection and recovery attribution",
		Long: `leakd watches a Stripe account for revenue leaks: failed payments,
churn spikes, silent churn, trial conversion drops and unexpected downgrades.
It records each leak with an estimated recoverable amount and attributes
later recoveries back to the leak that caused them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String(commands.ConfigFlag, "", "path to leakd.yaml (defaults plus environment when empty)")

	root.AddCommand(
		commands.NewServeCmd(),
		commands.NewScanCmd(),
		commands.NewMigrateCmd(),
		commands.NewSnapshotsCmd(),
		commands.NewAccountsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
