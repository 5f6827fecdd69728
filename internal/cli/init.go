package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/sigengine/sigengine/internal/config"
	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an experiment interactively",
	Long: `Walk through creating an experiment: name, treatments, traffic
allocation, and the baseline conversion rate you expect. Prints the
sample size each variant needs before the effect becomes detectable.

Example:
  sigengine init`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	name, err := promptText("Experiment name", func(input string) error {
		if strings.TrimSpace(input) == "" {
			return fmt.Errorf("name must not be empty")
		}
		return nil
	})
	if err != nil {
		return err
	}

	treatmentsInput, err := promptText("Treatment variants (comma-separated)", func(input string) error {
		if len(splitList(input)) == 0 {
			return fmt.Errorf("need at least 1 treatment")
		}
		return nil
	})
	if err != nil {
		return err
	}
	treatments := splitList(treatmentsInput)

	clamp, err := promptAllocation()
	if err != nil {
		return err
	}

	baseline, err := promptFloat("Baseline conversion rate (e.g. 0.10)")
	if err != nil {
		return err
	}
	mde, err := promptFloat("Minimum detectable effect (e.g. 0.20 for +20%)")
	if err != nil {
		return err
	}

	sampleSize, err := engine.RequiredSampleSize(baseline, mde, cfg.Engine)
	if err != nil {
		return err
	}

	exp, err := experiment.New(strings.TrimSpace(name), "", "", treatments, nil)
	if err != nil {
		return err
	}
	if clamp {
		exp.Allocation = experiment.ClampInitialExposure(exp.Allocation, 0)
	}

	return withStore(func(s *store.SQLiteStore) error {
		if err := s.CreateExperiment(context.Background(), exp); err != nil {
			return fmt.Errorf("failed to create experiment: %w", err)
		}

		fmt.Println()
		fmt.Printf("Created experiment '%s':\n", exp.Name)
		for i, id := range exp.Variants() {
			label := ""
			if id == exp.ControlID {
				label = " (control)"
			}
			fmt.Printf("  %-12s %3d%%%s\n", id, exp.Allocation[i], label)
		}
		fmt.Println()
		fmt.Printf("Each variant needs %s visitors to detect a %+.0f%% change\n",
			formatNumber(sampleSize), mde*100)
		fmt.Printf("from a %.1f%% baseline at %.0f%% power.\n",
			baseline*100, cfg.Engine.Power*100)
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Printf("  sigengine start %s\n", exp.Name)
		fmt.Printf("  sigengine metrics %s --variant %s --conversions N --visits N\n", exp.Name, exp.ControlID)
		fmt.Printf("  sigengine results %s\n", exp.Name)

		return nil
	})
}

func promptText(label string, validate promptui.ValidateFunc) (string, error) {
	prompt := promptui.Prompt{
		Label:    label,
		Validate: validate,
	}
	value, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return "", err
	}
	return value, nil
}

func promptFloat(label string) (float64, error) {
	value, err := promptText(label, func(input string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
		if err != nil {
			return fmt.Errorf("enter a number")
		}
		if f <= 0 {
			return fmt.Errorf("must be positive")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

func promptAllocation() (clamp bool, err error) {
	prompt := promptui.Select{
		Label: "Traffic allocation",
		Items: []string{
			fmt.Sprintf("Safe rollout (treatments capped at %d%%)", experiment.MaxInitialExposurePercent),
			"Equal split across all variants",
		},
		Size: 2,
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if err == promptui.ErrInterrupt {
			os.Exit(0)
		}
		return false, err
	}
	return idx == 0, nil
}
