package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all experiments",
	Long:  `List all experiments with their status and latest traffic totals.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()

		experiments, err := s.ListExperiments(ctx)
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}

		if len(experiments) == 0 {
			fmt.Println("No experiments yet.")
			fmt.Println()
			fmt.Println("Create one with:")
			fmt.Println("  sigengine create <name> --treatments \"A,B\"")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCAMPAIGN\tSTATUS\tVARIANTS\tVISITS\tCONVERSIONS\tCREATED")

		for _, exp := range experiments {
			snaps, err := s.LatestMetrics(ctx, exp.Name)
			if err != nil {
				return fmt.Errorf("failed to get metrics for experiment %s: %w", exp.Name, err)
			}

			var totalVisits, totalConversions int64
			for _, snap := range snaps {
				totalVisits += snap.Visits
				totalConversions += snap.Conversions
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				exp.Name,
				exp.CampaignID,
				strings.ToUpper(string(exp.Status)),
				len(exp.Treatments)+1,
				formatNumber(totalVisits),
				formatNumber(totalConversions),
				exp.CreatedAt.Format("2006-01-02"),
			)
		}

		w.Flush()
		return nil
	})
}
