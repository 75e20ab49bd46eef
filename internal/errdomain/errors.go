// Package errdomain defines the closed error taxonomy of spec.md §7 as
// concrete types, replacing exception-based control flow with typed
// errors at every component boundary (submit, claim, complete, advance).
package errdomain

import "fmt"

// FieldIssue is one schema-validation failure for ValidationError.
type FieldIssue struct {
	Field  string
	Reason string
}

// ValidationError — parameters failed schema check. Surfaced to submitter.
type ValidationError struct {
	JobType string
	Issues  []FieldIssue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for job_type=%s (%d issue(s))", e.JobType, len(e.Issues))
}

// PreflightError — a resource validator rejected the submission.
type PreflightError struct {
	Validator string
	Reason    string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Validator, e.Reason)
}

// UnknownJobType — registry miss.
type UnknownJobType struct {
	JobType string
}

func (e *UnknownJobType) Error() string {
	return fmt.Sprintf("unknown job_type %q", e.JobType)
}

// TransientInfrastructureError — broker/store/blob temporarily unavailable.
type TransientInfrastructureError struct {
	Op  string
	Err error
}

func (e *TransientInfrastructureError) Error() string {
	return fmt.Sprintf("transient infrastructure error during %s: %v", e.Op, e.Err)
}

func (e *TransientInfrastructureError) Unwrap() error { return e.Err }

// PermanentHandlerError — handler rejected the input semantically.
type PermanentHandlerError struct {
	Reason string
}

func (e *PermanentHandlerError) Error() string {
	return fmt.Sprintf("permanent handler error: %s", e.Reason)
}

// ThrottlingError — external dependency returned rate-limit.
type ThrottlingError struct {
	Reason     string
	RetryAfter string
}

func (e *ThrottlingError) Error() string {
	return fmt.Sprintf("throttled: %s", e.Reason)
}

// CorruptState — e.g. a task in Processing with no parent job, or a
// stage advance where current_stage does not match.
type CorruptState struct {
	Reason string
}

func (e *CorruptState) Error() string {
	return fmt.Sprintf("corrupt state: %s", e.Reason)
}

// PlannerError — a stage planner produced no tasks (spec.md §4.4 step 2).
type PlannerError struct {
	JobType string
	Stage   int
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf("no tasks produced for job_type=%s stage=%d", e.JobType, e.Stage)
}
