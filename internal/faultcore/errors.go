package faultcore

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a Fault for retry and HTTP-status mapping purposes.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindAuthorization   Kind = "authorization"
	KindRateLimited     Kind = "rate_limited"
	KindDependency      Kind = "dependency"
	KindCircuitOpen     Kind = "circuit_open"
	KindNoAgentResponse Kind = "no_agent_responses"
	KindCancelled       Kind = "cancelled"
)

// Fault is the taxonomy-tagged error every component returns instead of a
// bare error. Construction helpers below fix the Kind; callers classify
// with errors.As, never by matching error strings.
type Fault struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration // only meaningful for KindRateLimited
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

func newFault(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func Configuration(format string, args ...any) *Fault   { return newFault(KindConfiguration, format, args...) }
func Validation(format string, args ...any) *Fault      { return newFault(KindValidation, format, args...) }
func Authentication(format string, args ...any) *Fault  { return newFault(KindAuthentication, format, args...) }
func Authorization(format string, args ...any) *Fault   { return newFault(KindAuthorization, format, args...) }
func Dependency(format string, args ...any) *Fault      { return newFault(KindDependency, format, args...) }
func NoAgentResponses(format string, args ...any) *Fault {
	return newFault(KindNoAgentResponse, format, args...)
}
func Cancelled(format string, args ...any) *Fault { return newFault(KindCancelled, format, args...) }

func RateLimited(retryAfter time.Duration, format string, args ...any) *Fault {
	f := newFault(KindRateLimited, format, args...)
	f.RetryAfter = retryAfter
	return f
}

func CircuitOpen(name string) *Fault {
	return newFault(KindCircuitOpen, "circuit %q is open", name)
}

// KindOf extracts the Kind of a (possibly wrapped) Fault, or "" if err is
// not a Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Retryable reports whether an operation wrapped by Execute should be
// retried after this error. Configuration, Validation, Authentication,
// Authorization, NoAgentResponses and Cancelled are never retried;
// Dependency, CircuitOpen and RateLimited are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindDependency, KindCircuitOpen, KindRateLimited:
		return true
	case KindConfiguration, KindValidation, KindAuthentication, KindAuthorization,
		KindNoAgentResponse, KindCancelled:
		return false
	default:
		// Unclassified errors (e.g. from a provider SDK) default to
		// retryable: most external failures the core sees are network or
		// 5xx style and worth one more attempt.
		return true
	}
}
