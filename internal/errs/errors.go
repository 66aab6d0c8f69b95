// Package errs defines the closed set of failure kinds the pipeline core
// branches on. Provider adapters classify failures once; everything above
// them only looks at the Kind.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind int

const (
	// KindFatal is a programming or configuration error. Not retried.
	KindFatal Kind = iota
	// KindTransient is a timeout or connection failure. Retried a few times.
	KindTransient
	// KindRateLimit is provider-side throttling (HTTP 429). Retried with escalating delay.
	KindRateLimit
	// KindQuota is hard quota exhaustion for one credential. The credential is quarantined.
	KindQuota
	// KindValidation is malformed input or output. Not retried.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindQuota:
		return "quota"
	case KindValidation:
		return "validation"
	default:
		return "fatal"
	}
}

// Retryable reports whether the gateway may try the call again
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimit || k == KindQuota
}

// Error is a classified error
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Quota wraps err as a quota failure
func Quota(op string, err error) error { return New(KindQuota, op, err) }

// RateLimit wraps err as a rate-limit failure
func RateLimit(op string, err error) error { return New(KindRateLimit, op, err) }

// Transient wraps err as a transient failure
func Transient(op string, err error) error { return New(KindTransient, op, err) }

// Validation wraps err as a validation failure
func Validation(op string, err error) error { return New(KindValidation, op, err) }

// Fatal wraps err as a fatal failure
func Fatal(op string, err error) error { return New(KindFatal, op, err) }

// Validationf builds a validation error from a format string
func Validationf(op, format string, args ...any) error {
	return New(KindValidation, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context cancellation and deadlines count as transient; anything
// unclassified is fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindFatal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindFatal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StepError is what the orchestrator surfaces when a step fails
type StepError struct {
	PipelineID string
	Step       string
	Kind       Kind
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline %s: step %s failed (%s): %v", e.PipelineID, e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
