package engine

import (
	"fmt"

	"github.com/sigengine/sigengine/internal/stats"
)

// Evaluate runs one significance analysis pass over an experiment.
// Every treatment is tested against the control with a pooled
// two-proportion z-test, guardrail metrics are checked against their
// ratio thresholds, and a single recommendation is derived:
//
//   - any guardrail violation recommends HALT, overriding everything
//   - otherwise the first treatment (in caller order) that is
//     significant at cfg.Alpha with positive uplift recommends DEPLOY
//   - otherwise NO_DECISION_YET
//
// Inputs are never mutated and the returned Decision shares no memory
// with them, so repeated calls on the same data give equal results.
func Evaluate(control VariantMetrics, treatments []VariantMetrics, cfg Config) (*Decision, error) {
	if err := validate(control, treatments, cfg); err != nil {
		return nil, err
	}

	rateControl := conversionRate(control)

	decision := &Decision{
		VariantResults:  make(map[string]VariantResult, len(treatments)),
		Guardrails:      make(map[string]GuardrailVerdict, len(treatments)),
		GuardrailStatus: GuardrailOK,
	}

	winner := ""
	for _, treat := range treatments {
		rateTreat := conversionRate(treat)
		z, p := stats.TwoProportionTest(control.Conversions, control.Visits, treat.Conversions, treat.Visits)
		ciLow, ciHigh := stats.DiffConfidenceInterval(rateControl, control.Visits, rateTreat, treat.Visits, cfg.Alpha)

		uplift := 0.0
		if rateControl > 0 {
			uplift = (rateTreat - rateControl) / rateControl * 100
		}

		verdict := checkGuardrails(control, treat, cfg)
		if !verdict.OK {
			decision.GuardrailStatus = GuardrailViolated
		}

		decision.VariantResults[treat.VariantID] = VariantResult{
			Conversions:     treat.Conversions,
			Visits:          treat.Visits,
			ConversionRate:  rateTreat,
			UpliftPercent:   uplift,
			ZScore:          z,
			PValue:          p,
			CI95:            [2]float64{ciLow, ciHigh},
			UnsubscribeRate: cloneRate(treat.UnsubscribeRate),
			ComplaintRate:   cloneRate(treat.ComplaintRate),
		}
		decision.Guardrails[treat.VariantID] = verdict

		// First significant improvement wins, in caller order
		if winner == "" && p < cfg.Alpha && uplift > 0 {
			winner = treat.VariantID
		}
	}

	switch {
	case decision.GuardrailStatus == GuardrailViolated:
		decision.Recommendation = Recommendation{Action: ActionHalt}
	case winner != "":
		decision.SignificantWinner = winner
		decision.Recommendation = Recommendation{Action: ActionDeploy, Variant: winner}
	default:
		decision.Recommendation = Recommendation{Action: ActionNoDecisionYet}
	}

	return decision, nil
}

func conversionRate(m VariantMetrics) float64 {
	return float64(m.Conversions) / float64(m.Visits)
}

func cloneRate(r *float64) *float64 {
	if r == nil {
		return nil
	}
	v := *r
	return &v
}

func validate(control VariantMetrics, treatments []VariantMetrics, cfg Config) error {
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		return &ValidationError{Field: "alpha", Reason: fmt.Sprintf("must be in (0, 1), got %g", cfg.Alpha)}
	}
	if len(treatments) == 0 {
		return &ValidationError{Field: "treatments", Reason: "at least one treatment variant is required"}
	}
	if err := validateMetrics(control); err != nil {
		return err
	}
	seen := map[string]bool{control.VariantID: true}
	for _, treat := range treatments {
		if err := validateMetrics(treat); err != nil {
			return err
		}
		if seen[treat.VariantID] {
			return &ValidationError{Field: "variant_id", Variant: treat.VariantID, Reason: "duplicate variant id"}
		}
		seen[treat.VariantID] = true
	}
	return nil
}

func validateMetrics(m VariantMetrics) error {
	if m.VariantID == "" {
		return &ValidationError{Field: "variant_id", Reason: "must not be empty"}
	}
	if m.Visits <= 0 {
		return &ValidationError{Field: "visits", Variant: m.VariantID, Reason: "must be positive"}
	}
	if m.Conversions < 0 {
		return &ValidationError{Field: "conversions", Variant: m.VariantID, Reason: "must not be negative"}
	}
	if m.Conversions > m.Visits {
		return &ValidationError{Field: "conversions", Variant: m.VariantID,
			Reason: fmt.Sprintf("%d conversions exceed %d visits", m.Conversions, m.Visits)}
	}
	if m.UnsubscribeRate != nil && (*m.UnsubscribeRate < 0 || *m.UnsubscribeRate > 1) {
		return &ValidationError{Field: "unsubscribe_rate", Variant: m.VariantID, Reason: "must be in [0, 1]"}
	}
	if m.ComplaintRate != nil && (*m.ComplaintRate < 0 || *m.ComplaintRate > 1) {
		return &ValidationError{Field: "complaint_rate", Variant: m.VariantID, Reason: "must be in [0, 1]"}
	}
	return nil
}
