package engine

import "fmt"

// checkGuardrails compares a treatment's guardrail metrics against the
// control. A treatment fails a guardrail when its rate exceeds the
// configured ratio times the control rate. Metrics missing on either
// side are skipped; they count neither for nor against the variant.
func checkGuardrails(control, treat VariantMetrics, cfg Config) GuardrailVerdict {
	verdict := GuardrailVerdict{OK: true}

	check := func(metric string, controlRate, treatRate *float64, ratio float64) {
		if controlRate == nil || treatRate == nil {
			return
		}
		if *treatRate > ratio*(*controlRate) {
			verdict.OK = false
			verdict.Reasons = append(verdict.Reasons,
				fmt.Sprintf("%s %.4f exceeds %.2fx control rate %.4f", metric, *treatRate, ratio, *controlRate))
		}
	}

	check("unsubscribe_rate", control.UnsubscribeRate, treat.UnsubscribeRate, cfg.UnsubscribeRatio)
	check("complaint_rate", control.ComplaintRate, treat.ComplaintRate, cfg.ComplaintRatio)

	return verdict
}
