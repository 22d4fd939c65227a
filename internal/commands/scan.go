package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewScanCmd creates the scan command.
func NewScanCmd() *cobra.Command {
	var accountID string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run every detector for an account and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, accountID, timeout)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id to scan")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall scan timeout")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func runScan(cmd *cobra.Command, accountID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	rt, err := newRuntime(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.engine.Scan(ctx, accountID)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", accountID, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
