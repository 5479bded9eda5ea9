package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sells-group/whale-analyst/internal/resilience"
)

// Kind classifies a provider failure for retry and fallback decisions.
type Kind string

const (
	KindRateLimited   Kind = "rate_limited"
	KindServerError   Kind = "server_error"
	KindTimeout       Kind = "timeout"
	KindNetworkError  Kind = "network_error"
	KindAuthError     Kind = "auth_error"
	KindBadRequest    Kind = "bad_request"
	KindCircuitOpen   Kind = "circuit_open"
	KindNotConfigured Kind = "not_configured"
)

// Retryable reports whether another attempt against the same provider may
// succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTimeout, KindNetworkError:
		return true
	default:
		return false
	}
}

// Error is a classified failure of one provider call.
type Error struct {
	Kind       Kind
	Provider   string
	Model      string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/" + e.Model)
	}
	b.WriteString(": " + string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call may be retried on the same provider.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// RetryAfterHint implements resilience.RetryAfterHinter. Only rate limits
// carry a hint; other kinds use the exponential schedule.
func (e *Error) RetryAfterHint() (time.Duration, bool) {
	if e.Kind != KindRateLimited {
		return 0, false
	}
	return e.RetryAfter, e.RetryAfter > 0
}

// ClassifyHTTPStatus maps a non-success HTTP status to a Kind.
func ClassifyHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuthError
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindBadRequest
	default:
		return KindServerError
	}
}

// FromStatus builds a classified error for an HTTP status response.
func FromStatus(provider, model string, status int, retryAfter string, err error) *Error {
	pe := &Error{
		Kind:       ClassifyHTTPStatus(status),
		Provider:   provider,
		Model:      model,
		StatusCode: status,
		Err:        err,
	}
	if d, ok := resilience.ParseRetryAfter(retryAfter, time.Now()); ok {
		pe.RetryAfter = d
	}
	return pe
}

// Classify wraps err as an *Error. Errors that are already classified are
// returned unchanged. Unrecognized failures count as server errors.
func Classify(provider, model string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	kind := KindServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case resilience.IsNetworkError(err):
		kind = KindNetworkError
	}
	return &Error{Kind: kind, Provider: provider, Model: model, Err: err}
}

// IsRetryable is the retry predicate used by the invoker.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// Failure is the final failure of one provider in a fallback chain.
type Failure struct {
	Provider string
	Model    string
	Kind     Kind
	Attempts int
	Err      error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s/%s %s after %d attempt(s): %v", f.Provider, f.Model, f.Kind, f.Attempts, f.Err)
}

// ExhaustedError is returned when every provider in the order failed.
type ExhaustedError struct {
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return "all providers exhausted: no providers to try"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return "all providers exhausted: " + strings.Join(parts, "; ")
}

// Unwrap exposes every provider's final error to errors.Is and errors.As.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}
