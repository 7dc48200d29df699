package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// a poll that can never tick before the deadline is a single query
	v.RegisterStructValidation(waitRequestStructValidation, WaitRequest{})

	return v
}

// waitRequestStructValidation requires the timeout to cover at least one interval.
func waitRequestStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(WaitRequest)

	if req.Interval > 0 && req.Timeout > 0 && req.Timeout < req.Interval {
		sl.ReportError(req.Timeout, "timeout", "Timeout", "timeout_covers_interval", fmt.Sprintf("timeout %s < interval %s", req.Timeout, req.Interval))
	}
}
