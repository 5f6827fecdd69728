package experiment

import "fmt"

// MaxInitialExposurePercent caps the traffic any single treatment may
// receive when an experiment first goes live.
const MaxInitialExposurePercent = 5

// EqualSplit divides 100% of traffic evenly across n variants. Any
// remainder goes to the last variant so the split always sums to 100.
func EqualSplit(n int) []int {
	if n <= 0 {
		return nil
	}
	base := 100 / n
	alloc := make([]int, n)
	for i := range alloc {
		alloc[i] = base
	}
	alloc[n-1] += 100 - base*n
	return alloc
}

// ValidateAllocation checks that alloc covers exactly the given number
// of variants with non-negative percentages summing to 100.
func ValidateAllocation(alloc []int, variants int) error {
	if len(alloc) != variants {
		return fmt.Errorf("allocation has %d entries for %d variants", len(alloc), variants)
	}
	sum := 0
	for i, pct := range alloc {
		if pct < 0 {
			return fmt.Errorf("allocation for variant %d is negative (%d)", i, pct)
		}
		sum += pct
	}
	if sum != 100 {
		return fmt.Errorf("allocation sums to %d, want 100", sum)
	}
	return nil
}

// Band is one variant's slice of the 0-100 traffic range. A visitor
// whose bucket lands in [From, To) sees that variant.
type Band struct {
	VariantID string `json:"variant_id"`
	From      int    `json:"from"`
	To        int    `json:"to"`
}

// PercentileBands lays the allocation out as contiguous bands in
// variant order, control first.
func PercentileBands(variants []string, alloc []int) ([]Band, error) {
	if err := ValidateAllocation(alloc, len(variants)); err != nil {
		return nil, err
	}
	bands := make([]Band, len(variants))
	from := 0
	for i, id := range variants {
		bands[i] = Band{VariantID: id, From: from, To: from + alloc[i]}
		from += alloc[i]
	}
	return bands, nil
}

// ClampInitialExposure caps every non-control variant at
// MaxInitialExposurePercent and returns the freed traffic to the
// control at controlIdx. The input is not modified.
func ClampInitialExposure(alloc []int, controlIdx int) []int {
	out := append([]int(nil), alloc...)
	if controlIdx < 0 || controlIdx >= len(out) {
		return out
	}
	freed := 0
	for i := range out {
		if i == controlIdx {
			continue
		}
		if out[i] > MaxInitialExposurePercent {
			freed += out[i] - MaxInitialExposurePercent
			out[i] = MaxInitialExposurePercent
		}
	}
	out[controlIdx] += freed
	return out
}

// KillSwitch routes all traffic back to the control.
func KillSwitch(variants, controlIdx int) []int {
	out := make([]int, variants)
	if controlIdx >= 0 && controlIdx < len(out) {
		out[controlIdx] = 100
	}
	return out
}
