package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/config"
	"github.com/sigengine/sigengine/internal/engine"
)

func init() {
	rootCmd.AddCommand(newPlanCmd())
}

func newPlanCmd() *cobra.Command {
	var (
		baseline     float64
		mde          float64
		power        float64
		significance float64
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the required sample size per variant",
		Long: `Compute how many visitors each variant needs before a relative
uplift of the given size over the baseline conversion rate becomes
detectable.

Examples:
  sigengine plan --baseline 0.10 --mde 0.20
  sigengine plan --baseline 0.05 --mde 0.10 --power 0.90`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			engineCfg := cfg.Engine
			if cmd.Flags().Changed("power") {
				engineCfg.Power = power
			}
			if cmd.Flags().Changed("significance") {
				engineCfg.Significance = significance
			}

			n, err := engine.RequiredSampleSize(baseline, mde, engineCfg)
			if err != nil {
				return err
			}

			targetRate := baseline * (1 + mde)
			fmt.Printf("Baseline rate:    %.2f%%\n", baseline*100)
			fmt.Printf("Target rate:      %.2f%% (%+.0f%%)\n", targetRate*100, mde*100)
			fmt.Printf("Power:            %.0f%%\n", engineCfg.Power*100)
			fmt.Printf("Significance:     %g\n", engineCfg.Significance)
			fmt.Println()
			fmt.Printf("Required sample size: %s visitors per variant\n", formatNumber(n))

			return nil
		},
	}

	cmd.Flags().Float64Var(&baseline, "baseline", 0, "baseline conversion rate, e.g. 0.10 (required)")
	cmd.Flags().Float64Var(&mde, "mde", 0, "minimum detectable effect as a fraction, e.g. 0.20 (required)")
	cmd.Flags().Float64Var(&power, "power", 0.80, "statistical power")
	cmd.Flags().Float64Var(&significance, "significance", 0.05, "significance level")
	cmd.MarkFlagRequired("baseline")
	cmd.MarkFlagRequired("mde")

	return cmd
}
