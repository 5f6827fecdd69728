package engine

import (
	"fmt"
	"math"

	"github.com/sigengine/sigengine/internal/stats"
)

// RequiredSampleSize returns how many visitors each variant needs
// before a relative uplift of minimumDetectableEffect over
// baselineRate becomes detectable at cfg.Significance with cfg.Power.
// The standard two-proportion formula is used with the pooled rate
// midway between baseline and target.
func RequiredSampleSize(baselineRate, minimumDetectableEffect float64, cfg Config) (int64, error) {
	if baselineRate <= 0 || baselineRate >= 1 {
		return 0, &ValidationError{Field: "baseline_rate", Reason: fmt.Sprintf("must be in (0, 1), got %g", baselineRate)}
	}
	if minimumDetectableEffect <= 0 {
		return 0, &ValidationError{Field: "minimum_detectable_effect", Reason: "must be positive"}
	}
	if cfg.Power <= 0 || cfg.Power >= 1 {
		return 0, &ValidationError{Field: "power", Reason: fmt.Sprintf("must be in (0, 1), got %g", cfg.Power)}
	}
	if cfg.Significance <= 0 || cfg.Significance >= 1 {
		return 0, &ValidationError{Field: "significance", Reason: fmt.Sprintf("must be in (0, 1), got %g", cfg.Significance)}
	}

	targetRate := baselineRate * (1 + minimumDetectableEffect)
	if targetRate >= 1 {
		return 0, &ValidationError{Field: "minimum_detectable_effect",
			Reason: fmt.Sprintf("target rate %.4f is not below 1", targetRate)}
	}

	delta := targetRate - baselineRate
	denominator := delta * delta
	if denominator == 0 {
		return 0, &ValidationError{Field: "minimum_detectable_effect", Reason: "effect is too small to plan for"}
	}

	zAlpha := stats.NormalQuantile(1 - cfg.Significance/2)
	zBeta := stats.NormalQuantile(cfg.Power)
	pooled := (baselineRate + targetRate) / 2

	numerator := (zAlpha + zBeta) * (zAlpha + zBeta) * 2 * pooled * (1 - pooled)

	return int64(math.Ceil(numerator / denominator)), nil
}
