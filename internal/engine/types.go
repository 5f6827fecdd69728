package engine

// VariantMetrics is the observed traffic for one variant of an
// experiment. The guardrail rates are optional; a nil rate means the
// metric was not measured for this variant.
type VariantMetrics struct {
	VariantID       string   `json:"variant_id"`
	Conversions     int64    `json:"conversions"`
	Visits          int64    `json:"visits"`
	UnsubscribeRate *float64 `json:"unsubscribe_rate,omitempty"`
	ComplaintRate   *float64 `json:"complaint_rate,omitempty"`
}

// VariantResult holds the computed statistics for one treatment
// compared against the control.
type VariantResult struct {
	Conversions     int64      `json:"conversions"`
	Visits          int64      `json:"visits"`
	ConversionRate  float64    `json:"conversion_rate"`
	UpliftPercent   float64    `json:"uplift_percent"`
	ZScore          float64    `json:"z_score"`
	PValue          float64    `json:"p_value"`
	CI95            [2]float64 `json:"ci_95"`
	UnsubscribeRate *float64   `json:"unsubscribe_rate,omitempty"`
	ComplaintRate   *float64   `json:"complaint_rate,omitempty"`
}

// GuardrailVerdict is the outcome of the guardrail checks for one
// treatment. A metric missing on either side is skipped rather than
// counted for or against the variant.
type GuardrailVerdict struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// GuardrailStatus summarizes guardrails across all treatments.
type GuardrailStatus string

const (
	GuardrailOK       GuardrailStatus = "OK"
	GuardrailViolated GuardrailStatus = "VIOLATED"
)

// Action is the recommended next step for an experiment.
type Action string

const (
	ActionDeploy        Action = "DEPLOY"
	ActionHalt          Action = "HALT"
	ActionNoDecisionYet Action = "NO_DECISION_YET"
)

// Recommendation pairs an action with the variant it applies to.
// Variant is set only for DEPLOY.
type Recommendation struct {
	Action  Action `json:"action"`
	Variant string `json:"variant,omitempty"`
}

// Decision is the full output of one evaluation pass. A decision is
// built fresh on every call and never retains the caller's inputs.
type Decision struct {
	VariantResults    map[string]VariantResult    `json:"variant_results"`
	Guardrails        map[string]GuardrailVerdict `json:"guardrails"`
	GuardrailStatus   GuardrailStatus             `json:"guardrail_status"`
	SignificantWinner string                      `json:"significant_winner,omitempty"`
	Recommendation    Recommendation              `json:"recommendation"`
}

// Config carries the thresholds the engine evaluates against.
type Config struct {
	// Alpha is the two-tailed significance level for the z-test.
	Alpha float64
	// UnsubscribeRatio and ComplaintRatio are the guardrail
	// multipliers: a treatment fails when its rate exceeds
	// ratio * control rate.
	UnsubscribeRatio float64
	ComplaintRatio   float64
	// Power and Significance drive sample-size planning.
	Power        float64
	Significance float64
}

// DefaultConfig returns the standard thresholds: alpha 0.05, 1.2x
// unsubscribe and 1.1x complaint guardrails, 80% power.
func DefaultConfig() Config {
	return Config{
		Alpha:            0.05,
		UnsubscribeRatio: 1.2,
		ComplaintRatio:   1.1,
		Power:            0.80,
		Significance:     0.05,
	}
}
