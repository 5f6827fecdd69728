package store

import (
	"time"

	"github.com/sigengine/sigengine/internal/engine"
)

// Snapshot is one recorded observation of a variant's cumulative
// metrics. Snapshots are append-only; the latest row per variant is
// the variant's current state.
type Snapshot struct {
	ID              int64     `json:"id"`
	ExperimentName  string    `json:"experiment_name"`
	VariantID       string    `json:"variant_id"`
	Conversions     int64     `json:"conversions"`
	Visits          int64     `json:"visits"`
	UnsubscribeRate *float64  `json:"unsubscribe_rate,omitempty"`
	ComplaintRate   *float64  `json:"complaint_rate,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Metrics converts the snapshot into the engine's input type.
func (s Snapshot) Metrics() engine.VariantMetrics {
	return engine.VariantMetrics{
		VariantID:       s.VariantID,
		Conversions:     s.Conversions,
		Visits:          s.Visits,
		UnsubscribeRate: s.UnsubscribeRate,
		ComplaintRate:   s.ComplaintRate,
	}
}

// DecisionRecord is a persisted engine decision together with the
// summary columns the list views query on.
type DecisionRecord struct {
	ID             int64            `json:"id"`
	ExperimentName string           `json:"experiment_name"`
	Recommendation engine.Action    `json:"recommendation"`
	Winner         string           `json:"winner,omitempty"`
	Decision       *engine.Decision `json:"decision"`
	CreatedAt      time.Time        `json:"created_at"`
}
