// Package apperr defines the small sentinel-error taxonomy shared by the
// planner, driver, and engine so callers can branch with errors.Is instead
// of string matching.
package apperr

import (
	"context"
	"errors"
)

var (
	// ErrInvalidInput marks a malformed event or a plan that could not be
	// built from the payload (e.g. a required user missing).
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks a lookup against the state store or the driver
	// that found nothing - callers generally treat this as a non-fatal
	// outcome rather than a failure.
	ErrNotFound = errors.New("not found")

	// ErrDriverDisabled names the no-op driver mode. No driver in this
	// module returns it: the no-op driver reports itself through
	// Driver.Disabled and returns nil from Apply and Destroy.
	ErrDriverDisabled = errors.New("driver disabled")
)

// Category classifies an error for audit/failure event reporting.
type Category string

const (
	CategoryInvalidInput Category = "invalid_input"
	CategoryDriverApply  Category = "driver_apply_failed"
	CategoryDriverDestroy Category = "driver_destroy_failed"
	CategoryTimeout      Category = "timeout"
	CategoryInternal     Category = "internal"
)

// Classify maps an error to a reporting category, used when building the
// error.type field of a failure event.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryInternal
	case errors.Is(err, ErrInvalidInput):
		return CategoryInvalidInput
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	default:
		return CategoryInternal
	}
}
