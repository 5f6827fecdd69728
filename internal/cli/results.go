package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/config"
	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/report"
	"github.com/sigengine/sigengine/internal/stats"
	"github.com/sigengine/sigengine/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <name>",
	Short: "Show detailed results for an experiment",
	Long: `Evaluate the latest recorded metrics and show per-variant conversion
rates, uplift, significance, and guardrail verdicts.`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := config.Load()
	if err != nil {
		return err
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

		snaps, err := s.LatestMetrics(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to get metrics: %w", err)
		}

		byVariant := make(map[string]store.Snapshot, len(snaps))
		for _, snap := range snaps {
			byVariant[snap.VariantID] = snap
		}

		controlSnap, ok := byVariant[exp.ControlID]
		if !ok {
			return fmt.Errorf("no metrics recorded for control %q yet", exp.ControlID)
		}
		control := controlSnap.Metrics()

		// Treatments keep experiment order so the first-match winner
		// policy is deterministic
		var treatments []engine.VariantMetrics
		var missing []string
		for _, id := range exp.Treatments {
			snap, ok := byVariant[id]
			if !ok {
				missing = append(missing, id)
				continue
			}
			treatments = append(treatments, snap.Metrics())
		}
		if len(treatments) == 0 {
			return fmt.Errorf("no metrics recorded for any treatment yet")
		}

		decision, err := engine.Evaluate(control, treatments, cfg.Engine)
		if err != nil {
			return err
		}

		fmt.Printf("EXPERIMENT: %s\n", exp.Name)
		if exp.CampaignID != "" {
			fmt.Printf("CAMPAIGN: %s\n", exp.CampaignID)
		}
		fmt.Printf("STATUS: %s\n", strings.ToUpper(string(exp.Status)))
		fmt.Printf("CREATED: %s\n", exp.CreatedAt.Format("2006-01-02"))
		fmt.Println()

		ciLabel := (1 - cfg.Engine.Alpha) * 100
		fmt.Printf("VARIANT           VISITS   CONVERSIONS  RATE     UPLIFT    P-VALUE  %.0f%% CI\n", ciLabel)
		fmt.Println(strings.Repeat("─", 78))

		printVariantRow(exp.ControlID+" *", control.Conversions, control.Visits, "", "", cfg.Engine.Alpha)

		for _, t := range treatments {
			res := decision.VariantResults[t.VariantID]
			indicator := ""
			if t.VariantID == decision.SignificantWinner {
				indicator = " ← WINNER"
			}
			printVariantRow(t.VariantID+indicator, res.Conversions, res.Visits,
				fmt.Sprintf("%+.1f%%", res.UpliftPercent),
				fmt.Sprintf("%.4f", res.PValue),
				cfg.Engine.Alpha)
		}

		fmt.Println()
		if len(missing) > 0 {
			fmt.Printf("No metrics yet for: %s (excluded from evaluation)\n\n", strings.Join(missing, ", "))
		}

		if decision.GuardrailStatus == engine.GuardrailViolated {
			fmt.Println("Guardrails: VIOLATED")
			for _, id := range exp.Treatments {
				verdict, ok := decision.Guardrails[id]
				if !ok || verdict.OK {
					continue
				}
				for _, reason := range verdict.Reasons {
					fmt.Printf("  %s: %s\n", id, reason)
				}
			}
		} else {
			fmt.Println("Guardrails: OK")
		}

		fmt.Println()
		fmt.Println(report.Recommendation(decision, cfg.Engine.Alpha))

		return nil
	})
}

// printVariantRow prints one table line; uplift and p are empty for
// the control. The CI is a Wilson interval on the variant's own rate.
func printVariantRow(label string, conversions, visits int64, uplift, pValue string, alpha float64) {
	rate := 0.0
	if visits > 0 {
		rate = float64(conversions) / float64(visits)
	}
	lower, upper := stats.WilsonInterval(conversions, visits, 1-alpha)
	ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", lower*100, upper*100)
	if visits == 0 {
		ciStr = "N/A"
	}

	name := label
	if len(name) > 16 {
		name = name[:13] + "..."
	}

	fmt.Printf("%-16s  %-7d  %-11d  %-7s  %-8s  %-7s  %s\n",
		name, visits, conversions, formatPercent(rate), uplift, pValue, ciStr)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
