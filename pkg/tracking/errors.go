package tracking

import (
	"errors"
	"fmt"
)

// FailureReason classifies why an acquisition strategy or provider call
// failed. Setup failures drive the fallback chain; runtime failures are
// surfaced as non-fatal warnings.
type FailureReason string

const (
	ReasonPermissionDenied FailureReason = "permission_denied"
	ReasonUnavailable      FailureReason = "unavailable"
	ReasonTimeout          FailureReason = "timeout"
	ReasonUnknown          FailureReason = "unknown"
)

// AcquisitionError is the typed failure surfaced by strategies and
// providers.
type AcquisitionError struct {
	Reason FailureReason
	Detail string
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquisition failed (%s): %s: %v", e.Reason, e.Detail, e.Err)
	}
	return fmt.Sprintf("acquisition failed (%s): %s", e.Reason, e.Detail)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// NewAcquisitionError builds a typed acquisition failure.
func NewAcquisitionError(reason FailureReason, detail string, err error) *AcquisitionError {
	return &AcquisitionError{Reason: reason, Detail: detail, Err: err}
}

// ReasonOf extracts the failure reason from an error chain, mapping
// untyped errors to ReasonUnknown.
func ReasonOf(err error) FailureReason {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonUnknown
}

// ValidationError reports a bad trip target or session misuse; it
// prevents the session from entering the Active phase.
type ValidationError struct {
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("validation failed: %s", e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientIOError reports a failed publish to an external sink. Fix
// publishes are retried implicitly on the next update; the session
// phase is never affected either way.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient i/o failure: %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// IsTransientIO reports whether err is a TransientIOError.
func IsTransientIO(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}
