package engine

import (
	"errors"
	"fmt"
)

// ValidationError reports an input that fails the engine's checks.
// Evaluation is fail-fast: the first invalid input aborts the call
// before any statistics are computed.
type ValidationError struct {
	Field   string
	Variant string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("invalid %s for variant %q: %s", e.Field, e.Variant, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err has a ValidationError in its
// chain. Callers use it to separate bad requests from internal faults.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
