package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

// NewAccountsCmd creates the accounts command group.
func NewAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage connected accounts",
	}
	cmd.AddCommand(newAccountsPutCmd())
	return cmd
}

func newAccountsPutCmd() *cobra.Command {
	var acct leak.Account

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or update an account and its webhook credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountsPut(cmd, &acct)
		},
	}
	cmd.Flags().StringVar(&acct.ID, "id", "", "account id")
	cmd.Flags().StringVar(&acct.WebhookToken, "token", "", "routing token used in the webhook URL")
	cmd.Flags().StringVar(&acct.WebhookSecret, "secret", "", "Stripe webhook signing secret")
	cmd.Flags().BoolVar(&acct.EmailReportsDisabled, "no-email-reports", false, "never email leak alerts for this account")
	cmd.Flags().BoolVar(&acct.LiveModeOnly, "live-only", false, "ignore test-mode events")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func runAccountsPut(cmd *cobra.Command, acct *leak.Account) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt, err := newRuntime(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.postgres == nil {
		rt.log.Warn().Msg("in-memory storage does not outlive this command")
	}
	if err := rt.storage.PutAccount(ctx, acct); err != nil {
		return fmt.Errorf("saving account %s: %w", acct.ID, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "account %s saved\n", acct.ID)
	return nil
}
