package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/store"
)

func init() {
	rootCmd.AddCommand(newAllocateCmd())
}

func newAllocateCmd() *cobra.Command {
	var (
		set  string
		kill bool
	)

	cmd := &cobra.Command{
		Use:   "allocate <name>",
		Short: "Show or update an experiment's traffic allocation",
		Long: `Without flags, show the current allocation as percentile bands.
With --set, replace it (percentages in variant order, control first,
summing to 100). With --kill, route all traffic back to the control.

Examples:
  sigengine allocate spring-promo
  sigengine allocate spring-promo --set "60,20,20"
  sigengine allocate spring-promo --kill`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if set != "" && kill {
				return fmt.Errorf("use --set OR --kill, not both")
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

				switch {
				case kill:
					alloc := experiment.KillSwitch(len(exp.Treatments)+1, 0)
					if err := s.UpdateAllocation(ctx, name, alloc); err != nil {
						return fmt.Errorf("failed to update allocation: %w", err)
					}
					fmt.Printf("Kill switch applied: 100%% of traffic now goes to %q.\n", exp.ControlID)
					return nil

				case set != "":
					alloc, err := parseAllocation(set)
					if err != nil {
						return err
					}
					if err := experiment.ValidateAllocation(alloc, len(exp.Treatments)+1); err != nil {
						return err
					}
					if err := s.UpdateAllocation(ctx, name, alloc); err != nil {
						return fmt.Errorf("failed to update allocation: %w", err)
					}
					exp.Allocation = alloc
					fmt.Printf("Updated allocation for '%s':\n", exp.Name)
					return printBands(cmd, exp)

				default:
					return printBands(cmd, exp)
				}
			})
		},
	}

	cmd.Flags().StringVar(&set, "set", "", "new percentages, control first, e.g. \"60,20,20\"")
	cmd.Flags().BoolVar(&kill, "kill", false, "route all traffic back to the control")

	return cmd
}

func printBands(cmd *cobra.Command, exp *experiment.Experiment) error {
	bands, err := experiment.PercentileBands(exp.Variants(), exp.Allocation)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tSHARE\tBAND")
	for i, band := range bands {
		fmt.Fprintf(w, "%s\t%d%%\t[%d, %d)\n", band.VariantID, exp.Allocation[i], band.From, band.To)
	}
	return w.Flush()
}
