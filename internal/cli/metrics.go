package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/store"
)

func init() {
	rootCmd.AddCommand(newMetricsCmd())
}

func newMetricsCmd() *cobra.Command {
	var (
		variant         string
		conversions     int64
		visits          int64
		unsubscribeRate float64
		complaintRate   float64
	)

	cmd := &cobra.Command{
		Use:   "metrics <name>",
		Short: "Record a metrics snapshot for a variant",
		Long: `Record the cumulative conversions and visits observed for one
variant. Guardrail rates are optional; when a rate flag is omitted the
metric is stored as not measured, which skips its guardrail check.

Examples:
  sigengine metrics spring-promo --variant control --conversions 100 --visits 1000
  sigengine metrics spring-promo --variant A --conversions 120 --visits 1000 --unsubscribe-rate 0.01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if visits <= 0 {
				return fmt.Errorf("--visits must be positive")
			}
			if conversions < 0 {
				return fmt.Errorf("--conversions must not be negative")
			}
			if conversions > visits {
				return fmt.Errorf("conversions (%d) exceed visits (%d)", conversions, visits)
			}

			snap := store.Snapshot{
				VariantID:   variant,
				Conversions: conversions,
				Visits:      visits,
			}
			if cmd.Flags().Changed("unsubscribe-rate") {
				if unsubscribeRate < 0 || unsubscribeRate > 1 {
					return fmt.Errorf("--unsubscribe-rate must be between 0 and 1")
				}
				snap.UnsubscribeRate = &unsubscribeRate
			}
			if cmd.Flags().Changed("complaint-rate") {
				if complaintRate < 0 || complaintRate > 1 {
					return fmt.Errorf("--complaint-rate must be between 0 and 1")
				}
				snap.ComplaintRate = &complaintRate
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
				if !exp.HasVariant(variant) {
					return fmt.Errorf("variant %q is not part of experiment %q (variants: %v)",
						variant, exp.Name, exp.Variants())
				}

				snap.ExperimentName = exp.Name
				if err := s.RecordSnapshot(ctx, snap); err != nil {
					return fmt.Errorf("failed to record snapshot: %w", err)
				}

				rate := float64(conversions) / float64(visits)
				fmt.Printf("Recorded %s/%s: %s conversions / %s visits (%.2f%%)\n",
					exp.Name, variant, formatNumber(conversions), formatNumber(visits), rate*100)

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variant, "variant", "v", "", "variant id (required)")
	cmd.Flags().Int64Var(&conversions, "conversions", 0, "cumulative conversion count (required)")
	cmd.Flags().Int64Var(&visits, "visits", 0, "cumulative visit count (required)")
	cmd.Flags().Float64Var(&unsubscribeRate, "unsubscribe-rate", 0, "observed unsubscribe rate (optional)")
	cmd.Flags().Float64Var(&complaintRate, "complaint-rate", 0, "observed complaint rate (optional)")
	cmd.MarkFlagRequired("variant")
	cmd.MarkFlagRequired("conversions")
	cmd.MarkFlagRequired("visits")

	return cmd
}
