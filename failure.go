package fluxline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorClass is the deterministic classification of a step failure. The
// scheduler and the retry policy only ever look at the class, never at the
// message, so the same failure always takes the same path.
type ErrorClass string

const (
	// ClassTransient covers infrastructure blips that are safe to retry soon.
	ClassTransient ErrorClass = "TRANSIENT"
	// ClassRetryable covers business-level failures that may succeed later.
	ClassRetryable ErrorClass = "RETRYABLE"
	// ClassRateLimited is an explicit backpressure signal, possibly carrying a
	// retry-after hint.
	ClassRateLimited ErrorClass = "RATE_LIMITED"
	// ClassDependencyFailed means an upstream integration is down; retried with
	// longer backoff.
	ClassDependencyFailed ErrorClass = "DEPENDENCY_FAILED"
	// ClassNonRetryable covers malformed input and programmer error. Never
	// retried.
	ClassNonRetryable ErrorClass = "NON_RETRYABLE"
	// ClassCompensationRequired means a partial side effect occurred; completed
	// steps must be compensated before the execution can terminate.
	ClassCompensationRequired ErrorClass = "COMPENSATION_REQUIRED"
)

// errorClasses enumerates every class. The retry policy validates its rule
// table against this list at construction time.
var errorClasses = []ErrorClass{
	ClassTransient,
	ClassRetryable,
	ClassRateLimited,
	ClassDependencyFailed,
	ClassNonRetryable,
	ClassCompensationRequired,
}

func (c ErrorClass) Valid() bool {
	for _, known := range errorClasses {
		if c == known {
			return true
		}
	}
	return false
}

// Failure is the structured error a handler raises when it wants a specific
// classification. Anything else a handler returns is classified NON_RETRYABLE.
type Failure struct {
	Class   ErrorClass
	Code    string
	Message string

	// RetryAfter is an optional backpressure hint, only meaningful for
	// RATE_LIMITED failures.
	RetryAfter time.Duration

	cause error
}

func NewFailure(class ErrorClass, code string, format string, args ...interface{}) *Failure {
	return &Failure{
		Class:   class,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapFailure attaches a cause so errors.Is/As keep working through the chain.
func WrapFailure(class ErrorClass, code string, cause error) *Failure {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Failure{
		Class:   class,
		Code:    code,
		Message: msg,
		cause:   cause,
	}
}

func (f *Failure) WithRetryAfter(d time.Duration) *Failure {
	f.RetryAfter = d
	return f
}

func (f *Failure) Error() string {
	if f.Code == "" {
		return fmt.Sprintf("%s: %s", f.Class, f.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", f.Class, f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// Classify maps a raised error to exactly one error class. Classification is
// a pure function of the error's structured fields: a *Failure carries its own
// class, a deadline expiry is transient, everything else fails closed as
// NON_RETRYABLE.
func Classify(err error) ErrorClass {
	var failure *Failure
	if errors.As(err, &failure) && failure.Class.Valid() {
		return failure.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassNonRetryable
}

// AsFailure normalizes any error into a *Failure so every recorded attempt
// carries a class and a code. Unstructured errors get the fail-closed default.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var failure *Failure
	if errors.As(err, &failure) && failure.Class.Valid() {
		return failure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapFailure(ClassTransient, "step_timeout", err)
	}
	return WrapFailure(ClassNonRetryable, "unclassified", err)
}
