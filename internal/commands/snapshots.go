package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/leakguard/pkg/leak"
)

const snapshotDateLayout = "2006-01-02"

// snapshotEntry is one day of derived metrics in an import file
type snapshotEntry struct {
	Date      string  `yaml:"date"`
	MRR       int64   `yaml:"mrr"`
	ChurnRate float64 `yaml:"churn_rate"`
	NRR       float64 `yaml:"nrr"`
}

// NewSnapshotsCmd creates the snapshots command group.
func NewSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage daily metric snapshots",
	}
	cmd.AddCommand(newSnapshotsImportCmd())
	return cmd
}

func newSnapshotsImportCmd() *cobra.Command {
	var accountID, file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import daily MRR, churn and NRR snapshots from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshotsImport(cmd, accountID, file)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id the snapshots belong to")
	cmd.Flags().StringVar(&file, "file", "", "YAML file with a list of {date, mrr, churn_rate, nrr}")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSnapshotsImport(cmd *cobra.Command, accountID, file string) error {
	snaps, err := loadSnapshotFile(file)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rt, err := newRuntime(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.ImportSnapshots(ctx, accountID, snaps); err != nil {
		return fmt.Errorf("importing snapshots: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d snapshots for %s\n", len(snaps), accountID)
	return nil
}

// loadSnapshotFile parses a snapshot import file
func loadSnapshotFile(path string) ([]leak.MetricSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var entries []snapshotEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	snaps := make([]leak.MetricSnapshot, 0, len(entries))
	for i, e := range entries {
		day, err := time.Parse(snapshotDateLayout, e.Date)
		if err != nil {
			return nil, fmt.Errorf("entry %d: date %q is not YYYY-MM-DD", i, e.Date)
		}
		snaps = append(snaps, leak.MetricSnapshot{
			Date:      day,
			MRR:       e.MRR,
			ChurnRate: e.ChurnRate,
			NRR:       e.NRR,
		})
	}
	return snaps, nil
}
