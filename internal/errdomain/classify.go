package errdomain

import "errors"

// Class is the outcome of classifying a handler failure (spec.md §4.6
// "Retry classification").
type Class string

const (
	ClassTransient  Class = "transient"
	ClassPermanent  Class = "permanent"
	ClassThrottling Class = "throttling"
)

// Classify maps an error returned by a task handler to a retry class.
// Transient and Throttling errors consume the retry budget; Permanent
// errors bypass retry and go straight to Failed.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var throttle *ThrottlingError
	if errors.As(err, &throttle) {
		return ClassThrottling
	}
	var transient *TransientInfrastructureError
	if errors.As(err, &transient) {
		return ClassTransient
	}
	var permanent *PermanentHandlerError
	if errors.As(err, &permanent) {
		return ClassPermanent
	}
	// Unclassified errors default to transient: an unrecognized failure
	// is more often a flaky dependency than a semantic rejection, and a
	// bounded retry budget still caps the cost of being wrong.
	return ClassTransient
}

// Retryable reports whether a class should consume the retry budget.
func Retryable(c Class) bool {
	return c == ClassTransient || c == ClassThrottling
}
