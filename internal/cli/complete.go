package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/store"
)

func init() {
	rootCmd.AddCommand(newCompleteCmd())
}

func newCompleteCmd() *cobra.Command {
	var variant string

	cmd := &cobra.Command{
		Use:   "complete <name>",
		Short: "Complete an experiment, recording its winner",
		Long: `Complete an experiment. The winner defaults to the one named by the
latest persisted decision; use --variant to override it, or complete an
undecided experiment without a winner.

Examples:
  sigengine complete spring-promo
  sigengine complete spring-promo --variant B`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()

				exp, err := s.GetExperiment(ctx, name)
				if err != nil {
					if err == store.ErrNotFound {
						return fmt.Errorf("experiment '%s' not found", name)
					}
					return fmt.Errorf("failed to get experiment: %w", err)
				}

				winner := variant
				if winner == "" {
					record, err := s.LatestDecision(ctx, name)
					if err != nil && err != store.ErrNotFound {
						return fmt.Errorf("failed to get latest decision: %w", err)
					}
					if record != nil {
						winner = record.Winner
					}
				}

				// Validates the transition and that the winner is a
				// known variant
				if err := exp.Complete(winner); err != nil {
					return err
				}

				if winner != "" {
					if err := s.SetWinner(ctx, name, winner); err != nil {
						return fmt.Errorf("failed to set winner: %w", err)
					}
					fmt.Printf("Completed experiment '%s' with winner %q.\n", exp.Name, winner)
				} else {
					if err := s.UpdateExperimentStatus(ctx, name, exp.Status); err != nil {
						return fmt.Errorf("failed to update status: %w", err)
					}
					fmt.Printf("Completed experiment '%s' without a winner.\n", exp.Name)
				}

				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variant, "variant", "v", "", "winning variant id (default: latest decision's winner)")

	return cmd
}
