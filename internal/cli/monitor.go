package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sigengine/sigengine/internal/config"
	"github.com/sigengine/sigengine/internal/monitor"
	"github.com/sigengine/sigengine/internal/store"
)

func init() {
	rootCmd.AddCommand(newMonitorCmd())
}

func newMonitorCmd() *cobra.Command {
	var (
		interval   time.Duration
		minSample  int64
		maxRuntime time.Duration
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Evaluate active experiments and apply their decisions",
		Long: `Sweep every active experiment once: evaluate its latest metrics,
persist the decision, and act on it (deploy the winner, halt on
guardrail violations, complete expired experiments). With --interval
the monitor keeps sweeping until interrupted.

Examples:
  sigengine monitor
  sigengine monitor --interval 24h
  sigengine monitor --min-sample 500 --max-runtime 72h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			mcfg := monitor.Config{
				MinSamplePerVariant: cfg.MinSamplePerVariant,
				MaxRuntime:          cfg.MaxRuntime,
				Interval:            cfg.SweepInterval,
				Engine:              cfg.Engine,
			}
			if cmd.Flags().Changed("min-sample") {
				mcfg.MinSamplePerVariant = minSample
			}
			if cmd.Flags().Changed("max-runtime") {
				mcfg.MaxRuntime = maxRuntime
			}
			if cmd.Flags().Changed("interval") {
				mcfg.Interval = interval
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync()

			return withStore(func(s *store.SQLiteStore) error {
				m := monitor.New(s, mcfg, logger)

				if !cmd.Flags().Changed("interval") {
					return m.Sweep(context.Background())
				}

				ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				fmt.Printf("Monitoring active experiments every %s. Press Ctrl+C to stop.\n", mcfg.Interval)
				if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 24*time.Hour, "keep sweeping on this interval (one sweep when omitted)")
	cmd.Flags().Int64Var(&minSample, "min-sample", 1000, "minimum conversions per variant before evaluating")
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 7*24*time.Hour, "complete undecided experiments after this long")

	return cmd
}
