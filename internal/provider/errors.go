package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sells-group/websets/internal/resilience"
)

// ErrNoProvider is returned when no active provider matches a selection.
var ErrNoProvider = errors.New("no eligible provider")

// Class is the failure category of a provider call.
type Class string

const (
	// RateLimited means back off and try later; not yet a row failure.
	RateLimited Class = "rate_limited"
	// Transient failures are retried automatically a bounded number of times.
	Transient Class = "transient"
	// Permanent failures are recorded against the row immediately.
	Permanent Class = "permanent"
)

// Error is a classified provider failure. RetryAfter is the provider's hint
// for when a rate-limited call may be retried, or zero.
type Error struct {
	ProviderID string
	Class      Class
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.ProviderID, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// statusCoder is implemented by the vendor clients' status errors.
type statusCoder interface {
	HTTPStatus() int
}

// retryHinter is implemented by status errors that carry Retry-After.
type retryHinter interface {
	RetryDelay() time.Duration
}

// Classify wraps err in an Error with its failure class. Errors that are
// already classified are returned unchanged.
func Classify(providerID string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{ProviderID: providerID, Class: classOf(err), RetryAfter: retryHint(err), Err: err}
}

// RetryAfter returns the Retry-After hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return retryHint(err)
}

func retryHint(err error) time.Duration {
	var rh retryHinter
	if errors.As(err, &rh) {
		return rh.RetryDelay()
	}
	return 0
}

// ClassOf returns the failure class of err, or "" for nil.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return classOf(err)
}

func classOf(err error) Class {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return RateLimited
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code == http.StatusTooManyRequests:
			return RateLimited
		case resilience.IsTransientHTTPStatus(code):
			return Transient
		default:
			return Permanent
		}
	}
	if resilience.IsTransient(err) {
		return Transient
	}
	return Permanent
}
