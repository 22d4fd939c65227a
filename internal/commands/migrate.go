package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/leakguard/internal/config"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, prune)
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "also delete rows older than postgres.retention")
	return cmd
}

func runMigrate(cmd *cobra.Command, prune bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rt, err := newRuntime(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	// newRuntime already applied the schema
	if rt.postgres == nil {
		return fmt.Errorf("postgres.dsn (or %s) is required", config.EnvPostgresDSN)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "schema applied")

	if prune {
		if err := rt.postgres.Cleanup(ctx); err != nil {
			return fmt.Errorf("pruning: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "retention cleanup done")
	}
	return nil
}
