package stats

import "math"

// TwoProportionTest performs a two-proportion z-test between a control
// and a treatment group, using the pooled standard error under the null
// hypothesis that both groups share one conversion rate. It returns the
// z statistic (positive when the treatment converts better) and the
// two-tailed p-value. Visit counts must be positive; the engine
// validates inputs before calling.
func TwoProportionTest(controlConv, controlVisits, treatConv, treatVisits int64) (z, p float64) {
	rateControl := float64(controlConv) / float64(controlVisits)
	rateTreat := float64(treatConv) / float64(treatVisits)

	pooled := float64(controlConv+treatConv) / float64(controlVisits+treatVisits)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(controlVisits) + 1/float64(treatVisits)))

	if se == 0 {
		// Nobody or everybody converted in both groups
		return 0, 1
	}

	z = (rateTreat - rateControl) / se
	p = 2 * (1 - NormalCDF(math.Abs(z)))
	return z, p
}

// DiffConfidenceInterval returns the two-sided confidence interval for
// the difference in conversion rates (treatment minus control) at
// significance level alpha, using the unpooled standard error. With
// zero standard error the interval collapses to the point difference.
func DiffConfidenceInterval(rateControl float64, controlVisits int64, rateTreat float64, treatVisits int64, alpha float64) (lower, upper float64) {
	se := math.Sqrt(rateControl*(1-rateControl)/float64(controlVisits) +
		rateTreat*(1-rateTreat)/float64(treatVisits))
	z := ZCritical(alpha)
	diff := rateTreat - rateControl
	return diff - z*se, diff + z*se
}
