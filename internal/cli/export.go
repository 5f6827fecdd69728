package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/report"
	"github.com/sigengine/sigengine/internal/store"
)

func init() {
	rootCmd.AddCommand(newExportCmd())
}

func newExportCmd() *cobra.Command {
	var (
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Export an experiment's snapshot history",
		Long: `Export the recorded metrics in CSV, JSON, or XLSX format. CSV and
JSON go to stdout; XLSX is written to a file.

Examples:
  sigengine export spring-promo --format csv > spring-promo.csv
  sigengine export spring-promo --format json > spring-promo.json
  sigengine export spring-promo --format xlsx --out spring-promo.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if format != "csv" && format != "json" && format != "xlsx" {
				return fmt.Errorf("invalid format: must be 'csv', 'json', or 'xlsx'")
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()

				exp, err := s.GetExperiment(ctx, name)
				if err != nil {
					if err == store.ErrNotFound {
						return fmt.Errorf("experiment '%s' not found", name)
					}
					return fmt.Errorf("failed to get experiment: %w", err)
				}

				history, err := s.SnapshotHistory(ctx, name)
				if err != nil {
					return fmt.Errorf("failed to get snapshot history: %w", err)
				}

				var decision *engine.Decision
				if record, err := s.LatestDecision(ctx, name); err == nil {
					decision = record.Decision
				} else if err != store.ErrNotFound {
					return fmt.Errorf("failed to get latest decision: %w", err)
				}

				switch format {
				case "csv":
					return report.WriteCSV(os.Stdout, history)
				case "json":
					return report.WriteJSON(os.Stdout, exp, history, decision)
				default:
					path := out
					if path == "" {
						path = name + ".xlsx"
					}
					if err := report.WriteXLSX(path, exp, history, decision); err != nil {
						return err
					}
					fmt.Printf("Wrote %s\n", path)
					return nil
				}
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv, json, or xlsx)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path for xlsx (default <name>.xlsx)")

	return cmd
}
