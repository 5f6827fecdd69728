package engine_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigengine/sigengine/internal/engine"
)

func ratePtr(v float64) *float64 {
	return &v
}

func TestEvaluateSignificantWinner(t *testing.T) {
	control := engine.VariantMetrics{VariantID: "control", Conversions: 200, Visits: 2000}
	treatments := []engine.VariantMetrics{
		{VariantID: "A", Conversions: 240, Visits: 2000},
	}

	decision, err := engine.Evaluate(control, treatments, engine.DefaultConfig())
	require.NoError(t, err)

	res, ok := decision.VariantResults["A"]
	require.True(t, ok)
	assert.InDelta(t, 0.12, res.ConversionRate, 1e-12)
	assert.InDelta(t, 20.0, res.UpliftPercent, 1e-9)
	assert.InDelta(t, 2.0213, res.ZScore, 0.001)
	assert.InDelta(t, 0.0434, res.PValue, 0.001)
	assert.Greater(t, res.CI95[0], 0.0, "interval should exclude zero at this significance")
	assert.Less(t, res.CI95[0], 0.02)
	assert.Greater(t, res.CI95[1], 0.02)

	assert.Equal(t, engine.GuardrailOK, decision.GuardrailStatus)
	assert.True(t, decision.Guardrails["A"].OK)
	assert.Empty(t, decision.Guardrails["A"].Reasons)
	assert.Equal(t, "A", decision.SignificantWinner)
	assert.Equal(t, engine.Recommendation{Action: engine.ActionDeploy, Variant: "A"}, decision.Recommendation)
}

func TestEvaluateGuardrailHalt(t *testing.T) {
	// Statistically significant improvement, but unsubscribes doubled.
	control := engine.VariantMetrics{VariantID: "control", Conversions: 200, Visits: 2000, UnsubscribeRate: ratePtr(0.01)}
	treatments := []engine.VariantMetrics{
		{VariantID: "A", Conversions: 240, Visits: 2000, UnsubscribeRate: ratePtr(0.02)},
	}

	decision, err := engine.Evaluate(control, treatments, engine.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, engine.GuardrailViolated, decision.GuardrailStatus)
	assert.False(t, decision.Guardrails["A"].OK)
	require.Len(t, decision.Guardrails["A"].Reasons, 1)
	assert.Contains(t, decision.Guardrails["A"].Reasons[0], "unsubscribe_rate")
	assert.Empty(t, decision.SignificantWinner, "a halted experiment has no winner")
	assert.Equal(t, engine.ActionHalt, decision.Recommendation.Action)
	assert.Empty(t, decision.Recommendation.Variant)
	assert.Less(t, decision.VariantResults["A"].PValue, 0.05, "statistics are still reported")
}

func TestEvaluateNoDecisionYet(t *testing.T) {
	control := engine.VariantMetrics{VariantID: "control", Conversions: 10, Visits: 100}
	treatments := []engine.VariantMetrics{
		{VariantID: "A", Conversions: 11, Visits: 100},
	}

	decision, err := engine.Evaluate(control, treatments, engine.DefaultConfig())
	require.NoError(t, err)

	assert.Greater(t, decision.VariantResults["A"].PValue, 0.05)
	assert.Empty(t, decision.SignificantWinner)
	assert.Equal(t, engine.ActionNoDecisionYet, decision.Recommendation.Action)
}

func TestEvaluateUnderpoweredSample(t *testing.T) {
	// 10% vs 12% needs roughly 2000 visits per arm; 1000 is not enough.
	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000}
	treatments := []engine.VariantMetrics{
		{VariantID: "A", Conversions: 120, Visits: 1000},
	}

	decision, err := engine.Evaluate(control, treatments, engine.DefaultConfig())
	require.NoError(t, err)

	res := decision.VariantResults["A"]
	assert.InDelta(t, 20.0, res.UpliftPercent, 1e-9)
	assert.InDelta(t, 1.4293, res.ZScore, 0.001)
	assert.InDelta(t, 0.1529, res.PValue, 0.001)
	assert.Equal(t, engine.ActionNoDecisionYet, decision.Recommendation.Action)
}

func TestEvaluateFirstSignificantTreatmentWins(t *testing.T) {
	control := engine.VariantMetrics{VariantID: "control", Conversions: 1000, Visits: 10000}
	better := engine.VariantMetrics{VariantID: "A", Conversions: 1200, Visits: 10000}
	best := engine.VariantMetrics{VariantID: "B", Conversions: 1400, Visits: 10000}

	decision, err := engine.Evaluate(control, []engine.VariantMetrics{better, best}, engine.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "A", decision.SignificantWinner, "caller order decides, not uplift")

	decision, err = engine.Evaluate(control, []engine.VariantMetrics{best, better}, engine.DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "B", decision.SignificantWinner)
}

func TestEvaluateGuardrailSkippedWhenNotMeasured(t *testing.T) {
	cfg := engine.DefaultConfig()

	// Treatment does not report the metric.
	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000, UnsubscribeRate: ratePtr(0.01)}
	treat := engine.VariantMetrics{VariantID: "A", Conversions: 120, Visits: 1000}
	decision, err := engine.Evaluate(control, []engine.VariantMetrics{treat}, cfg)
	require.NoError(t, err)
	assert.True(t, decision.Guardrails["A"].OK)
	assert.Equal(t, engine.GuardrailOK, decision.GuardrailStatus)

	// Control does not report it; even an extreme treatment rate is skipped.
	control = engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000}
	treat = engine.VariantMetrics{VariantID: "A", Conversions: 120, Visits: 1000, UnsubscribeRate: ratePtr(0.5)}
	decision, err = engine.Evaluate(control, []engine.VariantMetrics{treat}, cfg)
	require.NoError(t, err)
	assert.True(t, decision.Guardrails["A"].OK)
	assert.Equal(t, engine.GuardrailOK, decision.GuardrailStatus)
}

func TestEvaluateGuardrailBoundaryIsNotViolated(t *testing.T) {
	cfg := engine.DefaultConfig()
	threshold := cfg.UnsubscribeRatio * 0.05

	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000, UnsubscribeRate: ratePtr(0.05)}
	treat := engine.VariantMetrics{VariantID: "A", Conversions: 110, Visits: 1000, UnsubscribeRate: ratePtr(threshold)}

	decision, err := engine.Evaluate(control, []engine.VariantMetrics{treat}, cfg)
	require.NoError(t, err)
	assert.True(t, decision.Guardrails["A"].OK, "violation requires strictly exceeding the threshold")
}

func TestEvaluateBothGuardrailsViolated(t *testing.T) {
	control := engine.VariantMetrics{
		VariantID:       "control",
		Conversions:     100,
		Visits:          1000,
		UnsubscribeRate: ratePtr(0.01),
		ComplaintRate:   ratePtr(0.001),
	}
	treat := engine.VariantMetrics{
		VariantID:       "A",
		Conversions:     120,
		Visits:          1000,
		UnsubscribeRate: ratePtr(0.03),
		ComplaintRate:   ratePtr(0.002),
	}

	decision, err := engine.Evaluate(control, []engine.VariantMetrics{treat}, engine.DefaultConfig())
	require.NoError(t, err)

	verdict := decision.Guardrails["A"]
	assert.False(t, verdict.OK)
	require.Len(t, verdict.Reasons, 2)
	assert.Contains(t, verdict.Reasons[0], "unsubscribe_rate")
	assert.Contains(t, verdict.Reasons[1], "complaint_rate")
	assert.Equal(t, engine.ActionHalt, decision.Recommendation.Action)
}

func TestEvaluateZeroControlRate(t *testing.T) {
	// 5% vs 0% is a huge effect, but uplift against a zero baseline is
	// reported as zero, so no winner is declared.
	control := engine.VariantMetrics{VariantID: "control", Conversions: 0, Visits: 1000}
	treat := engine.VariantMetrics{VariantID: "A", Conversions: 50, Visits: 1000}

	decision, err := engine.Evaluate(control, []engine.VariantMetrics{treat}, engine.DefaultConfig())
	require.NoError(t, err)

	res := decision.VariantResults["A"]
	assert.Zero(t, res.UpliftPercent)
	assert.Less(t, res.PValue, 0.05)
	assert.Empty(t, decision.SignificantWinner)
	assert.Equal(t, engine.ActionNoDecisionYet, decision.Recommendation.Action)
}

func TestEvaluateIdenticalRates(t *testing.T) {
	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000}
	treat := engine.VariantMetrics{VariantID: "A", Conversions: 100, Visits: 1000}

	decision, err := engine.Evaluate(control, []engine.VariantMetrics{treat}, engine.DefaultConfig())
	require.NoError(t, err)

	res := decision.VariantResults["A"]
	assert.Zero(t, res.ZScore)
	assert.InDelta(t, 1.0, res.PValue, 1e-12)
	assert.Equal(t, engine.ActionNoDecisionYet, decision.Recommendation.Action)
}

func TestEvaluateDeterministic(t *testing.T) {
	control := engine.VariantMetrics{VariantID: "control", Conversions: 200, Visits: 2000, UnsubscribeRate: ratePtr(0.01)}
	treatments := []engine.VariantMetrics{
		{VariantID: "A", Conversions: 240, Visits: 2000, UnsubscribeRate: ratePtr(0.011)},
		{VariantID: "B", Conversions: 210, Visits: 2000},
	}
	cfg := engine.DefaultConfig()

	first, err := engine.Evaluate(control, treatments, cfg)
	require.NoError(t, err)
	second, err := engine.Evaluate(control, treatments, cfg)
	require.NoError(t, err)

	require.Equal(t, first, second)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)
}

func TestEvaluateDoesNotAliasInputs(t *testing.T) {
	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000, UnsubscribeRate: ratePtr(0.01)}
	treat := engine.VariantMetrics{VariantID: "A", Conversions: 120, Visits: 1000, UnsubscribeRate: ratePtr(0.012)}

	decision, err := engine.Evaluate(control, []engine.VariantMetrics{treat}, engine.DefaultConfig())
	require.NoError(t, err)

	res := decision.VariantResults["A"]
	require.NotNil(t, res.UnsubscribeRate)
	assert.NotSame(t, treat.UnsubscribeRate, res.UnsubscribeRate)
	assert.Equal(t, *treat.UnsubscribeRate, *res.UnsubscribeRate)
}

func TestEvaluateValidation(t *testing.T) {
	valid := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000}
	cfg := engine.DefaultConfig()

	tests := []struct {
		name       string
		control    engine.VariantMetrics
		treatments []engine.VariantMetrics
		cfg        engine.Config
		wantMsg    string
	}{
		{
			name:       "zero visits on control",
			control:    engine.VariantMetrics{VariantID: "control", Conversions: 0, Visits: 0},
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: 1, Visits: 10}},
			cfg:        cfg,
			wantMsg:    `invalid visits for variant "control"`,
		},
		{
			name:       "negative visits on treatment",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: 1, Visits: -5}},
			cfg:        cfg,
			wantMsg:    `invalid visits for variant "A"`,
		},
		{
			name:       "conversions exceed visits",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: 20, Visits: 10}},
			cfg:        cfg,
			wantMsg:    "20 conversions exceed 10 visits",
		},
		{
			name:       "negative conversions",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: -1, Visits: 10}},
			cfg:        cfg,
			wantMsg:    "invalid conversions",
		},
		{
			name:       "no treatments",
			control:    valid,
			treatments: nil,
			cfg:        cfg,
			wantMsg:    "at least one treatment",
		},
		{
			name:    "duplicate treatment ids",
			control: valid,
			treatments: []engine.VariantMetrics{
				{VariantID: "A", Conversions: 1, Visits: 10},
				{VariantID: "A", Conversions: 2, Visits: 10},
			},
			cfg:     cfg,
			wantMsg: "duplicate variant id",
		},
		{
			name:       "treatment reuses control id",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "control", Conversions: 1, Visits: 10}},
			cfg:        cfg,
			wantMsg:    "duplicate variant id",
		},
		{
			name:       "empty variant id",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "", Conversions: 1, Visits: 10}},
			cfg:        cfg,
			wantMsg:    "invalid variant_id",
		},
		{
			name:       "alpha zero",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: 1, Visits: 10}},
			cfg:        engine.Config{Alpha: 0},
			wantMsg:    "invalid alpha",
		},
		{
			name:       "alpha one",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: 1, Visits: 10}},
			cfg:        engine.Config{Alpha: 1},
			wantMsg:    "invalid alpha",
		},
		{
			name:       "negative guardrail rate",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: 1, Visits: 10, UnsubscribeRate: ratePtr(-0.1)}},
			cfg:        cfg,
			wantMsg:    "invalid unsubscribe_rate",
		},
		{
			name:       "guardrail rate above one",
			control:    valid,
			treatments: []engine.VariantMetrics{{VariantID: "A", Conversions: 1, Visits: 10, ComplaintRate: ratePtr(1.5)}},
			cfg:        cfg,
			wantMsg:    "invalid complaint_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := engine.Evaluate(tt.control, tt.treatments, tt.cfg)
			require.Error(t, err)
			assert.Nil(t, decision)
			assert.True(t, engine.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestIsValidationError(t *testing.T) {
	verr := &engine.ValidationError{Field: "visits", Variant: "A", Reason: "must be positive"}
	assert.True(t, engine.IsValidationError(verr))
	assert.True(t, engine.IsValidationError(fmt.Errorf("evaluating experiment: %w", verr)))
	assert.False(t, engine.IsValidationError(errors.New("disk on fire")))
	assert.False(t, engine.IsValidationError(nil))
}

func TestEvaluateMultipleTreatments(t *testing.T) {
	control := engine.VariantMetrics{VariantID: "control", Conversions: 100, Visits: 1000}
	treatments := []engine.VariantMetrics{
		{VariantID: "A", Conversions: 105, Visits: 1000},
		{VariantID: "B", Conversions: 95, Visits: 990},
		{VariantID: "C", Conversions: 118, Visits: 1020},
	}

	decision, err := engine.Evaluate(control, treatments, engine.DefaultConfig())
	require.NoError(t, err)

	assert.Len(t, decision.VariantResults, 3)
	assert.Len(t, decision.Guardrails, 3)
	for _, id := range []string{"A", "B", "C"} {
		assert.Contains(t, decision.VariantResults, id)
		assert.Contains(t, decision.Guardrails, id)
	}
	assert.NotContains(t, decision.VariantResults, "control")
	assert.Less(t, decision.VariantResults["B"].UpliftPercent, 0.0)
}
