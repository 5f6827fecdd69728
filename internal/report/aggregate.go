package report

import (
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/sigengine/sigengine/internal/store"
)

// VariantAggregate summarizes a variant's conversion rate across its
// snapshot history.
type VariantAggregate struct {
	VariantID  string  `json:"variant_id"`
	Snapshots  int     `json:"snapshots"`
	MeanRate   float64 `json:"mean_rate"`
	MedianRate float64 `json:"median_rate"`
	StdDevRate float64 `json:"stddev_rate"`
	MinRate    float64 `json:"min_rate"`
	MaxRate    float64 `json:"max_rate"`
}

// Aggregates computes per-variant conversion rate statistics over a
// snapshot history. Snapshots with no visits are skipped. Results are
// sorted by variant id.
func Aggregates(history []store.Snapshot) []VariantAggregate {
	rates := make(map[string][]float64)
	for _, snap := range history {
		if snap.Visits <= 0 {
			continue
		}
		rate := float64(snap.Conversions) / float64(snap.Visits)
		rates[snap.VariantID] = append(rates[snap.VariantID], rate)
	}

	out := make([]VariantAggregate, 0, len(rates))
	for id, series := range rates {
		mean, _ := stats.Mean(series)
		median, _ := stats.Median(series)
		stdDev, _ := stats.StandardDeviation(series)
		minRate, _ := stats.Min(series)
		maxRate, _ := stats.Max(series)

		out = append(out, VariantAggregate{
			VariantID:  id,
			Snapshots:  len(series),
			MeanRate:   mean,
			MedianRate: median,
			StdDevRate: stdDev,
			MinRate:    minRate,
			MaxRate:    maxRate,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}
