package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/store"
)

func init() {
	rootCmd.AddCommand(newStartCmd(), newPauseCmd(), newResumeCmd())
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start a draft experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(args[0], func(exp *experiment.Experiment) error {
				return exp.Start()
			}, "Experiment '%s' is now active.\n")
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <name>",
		Short: "Pause an active experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(args[0], func(exp *experiment.Experiment) error {
				return exp.Pause()
			}, "Experiment '%s' is paused. Resume with 'sigengine resume %[1]s'.\n")
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <name>",
		Short: "Resume a paused experiment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(args[0], func(exp *experiment.Experiment) error {
				return exp.Resume()
			}, "Experiment '%s' is active again.\n")
		},
	}
}

// transition loads the experiment, applies the lifecycle change (which
// validates the current status), and persists the new status.
func transition(name string, change func(*experiment.Experiment) error, doneFormat string) error {
	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()

		exp, err := s.GetExperiment(ctx, name)
		if err != nil {
			if err == store.ErrNotFound {
				return fmt.Errorf("experiment '%s' not found", name)
			}
			return fmt.Errorf("failed to get experiment: %w", err)
		}

		if err := change(exp); err != nil {
			return err
		}
		if err := s.UpdateExperimentStatus(ctx, name, exp.Status); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}

		fmt.Printf(doneFormat, exp.Name)
		return nil
	})
}
