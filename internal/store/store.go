package store

import (
	"context"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
)

// Store defines the interface for experiment storage operations
type Store interface {
	// Experiment operations
	CreateExperiment(ctx context.Context, exp *experiment.Experiment) error
	GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error)
	ListExperiments(ctx context.Context) ([]*experiment.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, name string, status experiment.Status) error
	SetWinner(ctx context.Context, name, winner string) error
	UpdateAllocation(ctx context.Context, name string, allocation []int) error
	DeleteExperiment(ctx context.Context, name string) error

	// Metrics operations
	RecordSnapshot(ctx context.Context, snap Snapshot) error
	LatestMetrics(ctx context.Context, experimentName string) ([]Snapshot, error)
	SnapshotHistory(ctx context.Context, experimentName string) ([]Snapshot, error)

	// Decision operations
	SaveDecision(ctx context.Context, experimentName string, decision *engine.Decision) error
	LatestDecision(ctx context.Context, experimentName string) (*DecisionRecord, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
