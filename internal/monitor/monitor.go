package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
	"github.com/sigengine/sigengine/internal/store"
)

// Config controls when the monitor acts on an experiment.
type Config struct {
	// MinSamplePerVariant gates evaluation: every variant needs at least
	// this many conversions before significance is checked.
	MinSamplePerVariant int64
	// MaxRuntime is how long an experiment may run without a decision
	// before it is completed without a winner.
	MaxRuntime time.Duration
	// Interval between sweeps in Run.
	Interval time.Duration
	// Engine carries the significance and guardrail thresholds.
	Engine engine.Config
}

// DefaultConfig mirrors the operating rules the engine was designed
// around: 1000 conversions per variant, 7 days, one check per day.
func DefaultConfig() Config {
	return Config{
		MinSamplePerVariant: 1000,
		MaxRuntime:          7 * 24 * time.Hour,
		Interval:            24 * time.Hour,
		Engine:              engine.DefaultConfig(),
	}
}

// Monitor periodically evaluates active experiments and applies the
// resulting decisions: winners are deployed, guardrail violations
// halted, and experiments that run out of time completed without a
// winner.
type Monitor struct {
	store  *store.SQLiteStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds a monitor. A nil logger disables logging.
func New(s *store.SQLiteStore, cfg Config, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:  s,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Sweep(ctx); err != nil {
		m.logger.Error("sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep evaluates every active experiment once, concurrently.
// Per-experiment failures are logged and do not interrupt the rest of
// the sweep.
func (m *Monitor) Sweep(ctx context.Context) error {
	experiments, err := m.store.ListExperiments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list experiments: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, exp := range experiments {
		if exp.Status != experiment.StatusActive {
			continue
		}
		exp := exp
		g.Go(func() error {
			if err := m.evaluateExperiment(gCtx, exp); err != nil {
				m.logger.Error("evaluation failed",
					zap.String("experiment", exp.Name),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) evaluateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	latest, err := m.store.LatestMetrics(ctx, exp.Name)
	if err != nil {
		return fmt.Errorf("failed to load metrics: %w", err)
	}

	byVariant := make(map[string]store.Snapshot, len(latest))
	for _, snap := range latest {
		byVariant[snap.VariantID] = snap
	}

	controlSnap, ok := byVariant[exp.ControlID]
	if !ok {
		m.logger.Debug("control has no metrics yet",
			zap.String("experiment", exp.Name))
		return nil
	}

	underSampled := controlSnap.Conversions < m.cfg.MinSamplePerVariant
	treatments := make([]engine.VariantMetrics, 0, len(exp.Treatments))
	for _, id := range exp.Treatments {
		snap, ok := byVariant[id]
		if !ok {
			m.logger.Debug("variant has no metrics yet",
				zap.String("experiment", exp.Name),
				zap.String("variant", id))
			return nil
		}
		if snap.Conversions < m.cfg.MinSamplePerVariant {
			underSampled = true
		}
		treatments = append(treatments, snap.Metrics())
	}

	expired := m.expired(exp)
	if underSampled && !expired {
		m.logger.Debug("below minimum sample",
			zap.String("experiment", exp.Name),
			zap.Int64("min_conversions", m.cfg.MinSamplePerVariant))
		return nil
	}

	decision, err := engine.Evaluate(controlSnap.Metrics(), treatments, m.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to evaluate: %w", err)
	}
	if err := m.store.SaveDecision(ctx, exp.Name, decision); err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}

	return m.apply(ctx, exp, decision, expired)
}

func (m *Monitor) apply(ctx context.Context, exp *experiment.Experiment, d *engine.Decision, expired bool) error {
	switch d.Recommendation.Action {
	case engine.ActionHalt:
		kill := experiment.KillSwitch(len(exp.Treatments)+1, 0)
		if err := m.store.UpdateAllocation(ctx, exp.Name, kill); err != nil {
			return fmt.Errorf("failed to apply kill switch: %w", err)
		}
		if err := m.store.UpdateExperimentStatus(ctx, exp.Name, experiment.StatusFailed); err != nil {
			return fmt.Errorf("failed to fail experiment: %w", err)
		}
		m.logger.Warn("guardrail violation, experiment halted",
			zap.String("experiment", exp.Name))
		return nil

	case engine.ActionDeploy:
		winner := d.Recommendation.Variant
		if err := m.store.SetWinner(ctx, exp.Name, winner); err != nil {
			return fmt.Errorf("failed to set winner: %w", err)
		}
		if err := m.store.UpdateAllocation(ctx, exp.Name, fullAllocation(exp, winner)); err != nil {
			return fmt.Errorf("failed to update allocation: %w", err)
		}
		m.logger.Info("winner deployed",
			zap.String("experiment", exp.Name),
			zap.String("winner", winner))
		return nil

	default:
		if !expired {
			return nil
		}
		if err := m.store.UpdateExperimentStatus(ctx, exp.Name, experiment.StatusCompleted); err != nil {
			return fmt.Errorf("failed to complete experiment: %w", err)
		}
		m.logger.Info("experiment expired without a winner",
			zap.String("experiment", exp.Name),
			zap.Duration("max_runtime", m.cfg.MaxRuntime))
		return nil
	}
}

func (m *Monitor) expired(exp *experiment.Experiment) bool {
	if exp.StartedAt == nil {
		return false
	}
	return m.now().Sub(*exp.StartedAt) > m.cfg.MaxRuntime
}

// fullAllocation routes all traffic to the winner. Entries follow
// Variants() order, control first.
func fullAllocation(exp *experiment.Experiment, winner string) []int {
	alloc := make([]int, len(exp.Treatments)+1)
	for i, id := range exp.Variants() {
		if id == winner {
			alloc[i] = 100
		}
	}
	return alloc
}
