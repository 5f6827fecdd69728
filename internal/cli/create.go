package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		campaign     string
		control      string
		treatments   string
		allocation   string
		fullExposure bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new experiment",
		Long: `Create a new experiment with a control and one or more treatments.

Traffic defaults to an equal split, then every treatment is capped at
5% initial exposure (the freed share goes to the control) unless
--full-exposure is set.

Examples:
  sigengine create spring-promo --treatments "A,B"
  sigengine create spring-promo --campaign q2-email --treatments "A,B,C"
  sigengine create spring-promo --treatments "A,B" --allocation "50,25,25" --full-exposure`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			treatmentList := splitList(treatments)
			if len(treatmentList) == 0 {
				return fmt.Errorf("need at least 1 treatment. Example: --treatments \"A,B\"")
			}

			var alloc []int
			if allocation != "" {
				parsed, err := parseAllocation(allocation)
				if err != nil {
					return err
				}
				alloc = parsed
			}

			exp, err := experiment.New(name, campaign, control, treatmentList, alloc)
			if err != nil {
				return err
			}
			if !fullExposure {
				// Control sits at index 0 of the allocation
				exp.Allocation = experiment.ClampInitialExposure(exp.Allocation, 0)
			}

			return withStore(func(s *store.SQLiteStore) error {
				if err := s.CreateExperiment(context.Background(), exp); err != nil {
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				fmt.Printf("Created experiment '%s' with %d variants:\n", exp.Name, len(exp.Treatments)+1)
				for i, id := range exp.Variants() {
					label := ""
					if id == exp.ControlID {
						label = " (control)"
					}
					fmt.Printf("  %-12s %3d%%%s\n", id, exp.Allocation[i], label)
				}
				if !fullExposure {
					fmt.Printf("\nTreatments are capped at %d%% until you approve a wider rollout:\n", experiment.MaxInitialExposurePercent)
					fmt.Printf("  sigengine allocate %s --set \"...\"\n", exp.Name)
				}
				fmt.Printf("\nStart it with: sigengine start %s\n", exp.Name)

				return nil
			})
		},
	}

	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign this experiment belongs to (optional)")
	cmd.Flags().StringVar(&control, "control", "", "control variant id (default \"control\")")
	cmd.Flags().StringVarP(&treatments, "treatments", "t", "", "comma-separated treatment variant ids (required)")
	cmd.Flags().StringVar(&allocation, "allocation", "", "traffic percentages, control first, e.g. \"50,25,25\" (default equal split)")
	cmd.Flags().BoolVar(&fullExposure, "full-exposure", false, "skip the 5% initial exposure cap on treatments")
	cmd.MarkFlagRequired("treatments")

	return cmd
}
