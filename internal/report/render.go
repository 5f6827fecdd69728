package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sigengine/sigengine/internal/engine"
	"github.com/sigengine/sigengine/internal/experiment"
)

// Recommendation renders the engine's verdict as one operator-facing
// sentence. alpha is the significance level the decision was made at;
// it is only consulted to call out significant declines.
func Recommendation(d *engine.Decision, alpha float64) string {
	switch d.Recommendation.Action {
	case engine.ActionHalt:
		var parts []string
		for _, id := range sortedVariants(d) {
			verdict := d.Guardrails[id]
			if verdict.OK {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s: %s", id, strings.Join(verdict.Reasons, "; ")))
		}
		return fmt.Sprintf(
			"Guardrail violation detected (%s). Recommended: Halt the experiment and return traffic to the control.",
			strings.Join(parts, " / "))

	case engine.ActionDeploy:
		winner := d.Recommendation.Variant
		res := d.VariantResults[winner]
		return fmt.Sprintf(
			"Variant %s shows significant improvement (%+.2f%% uplift, p=%.4f). Recommended: Deploy Variant %s to full audience.",
			winner, res.UpliftPercent, res.PValue, winner)

	default:
		if id, ok := significantDecline(d, alpha); ok {
			res := d.VariantResults[id]
			return fmt.Sprintf(
				"Variant %s shows significant decline (%+.2f%% change, p=%.4f). Recommended: Retain the control.",
				id, res.UpliftPercent, res.PValue)
		}
		return "No statistically significant difference detected. " +
			"Recommend extending test duration or introducing new variants."
	}
}

// significantDecline returns the treatment with the worst
// significantly negative uplift, if any.
func significantDecline(d *engine.Decision, alpha float64) (string, bool) {
	worst := ""
	worstUplift := 0.0
	for _, id := range sortedVariants(d) {
		res := d.VariantResults[id]
		if res.PValue < alpha && res.UpliftPercent < worstUplift {
			worst = id
			worstUplift = res.UpliftPercent
		}
	}
	return worst, worst != ""
}

func sortedVariants(d *engine.Decision) []string {
	ids := make([]string, 0, len(d.VariantResults))
	for id := range d.VariantResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary renders a full text report of an evaluation: per-variant
// statistics, guardrail findings, and the recommendation. Treatments
// appear in experiment order; control metrics are passed separately
// since decisions only carry treatment results.
func Summary(exp *experiment.Experiment, control engine.VariantMetrics, d *engine.Decision, alpha float64) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Experiment: %s", exp.Name)
	if exp.CampaignID != "" {
		fmt.Fprintf(&b, " (campaign %s)", exp.CampaignID)
	}
	fmt.Fprintf(&b, "\nStatus: %s\n\n", exp.Status)

	ciLabel := (1 - alpha) * 100

	rateControl := 0.0
	if control.Visits > 0 {
		rateControl = float64(control.Conversions) / float64(control.Visits)
	}
	fmt.Fprintf(&b, "%-12s %8.2f%%  (%d/%d)  control\n",
		exp.ControlID, rateControl*100, control.Conversions, control.Visits)

	for _, id := range exp.Treatments {
		res, ok := d.VariantResults[id]
		if !ok {
			continue
		}
		marker := ""
		if id == d.SignificantWinner {
			marker = "  <- winner"
		}
		fmt.Fprintf(&b, "%-12s %8.2f%%  (%d/%d)  uplift %+.2f%%  p=%.4f  %.0f%% CI [%+.4f, %+.4f]%s\n",
			id, res.ConversionRate*100, res.Conversions, res.Visits,
			res.UpliftPercent, res.PValue, ciLabel, res.CI95[0], res.CI95[1], marker)
	}

	if d.GuardrailStatus == engine.GuardrailViolated {
		b.WriteString("\nGuardrails: VIOLATED\n")
		for _, id := range exp.Treatments {
			verdict, ok := d.Guardrails[id]
			if !ok || verdict.OK {
				continue
			}
			for _, reason := range verdict.Reasons {
				fmt.Fprintf(&b, "  %s: %s\n", id, reason)
			}
		}
	} else {
		b.WriteString("\nGuardrails: OK\n")
	}

	fmt.Fprintf(&b, "\n%s\n", Recommendation(d, alpha))

	return b.String()
}
