// Package workerr is the shared error taxonomy every component in this
// fabric translates its failures into before they reach a worker or an HTTP
// boundary: the scheduler, the capacity gate, the publish saga, and the
// notification dispatcher all return *workerr.Error rather than inventing
// their own ad-hoc sentinel errors per package.
//
// Grounded on the teacher's plain-sentinel-error style (internal/jobs/errors.go,
// internal/domain/job.ErrJobNotFound) — no heavy error-wrapping framework is
// introduced; this is the same "var Err... = errors.New(...)" idiom, just
// organized around a shared Kind enum instead of one sentinel per package.
package workerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the taxonomy a caller switches on to decide retry behavior,
// independent of which component raised the error.
type Kind string

const (
	Validation       Kind = "validation"
	NotFound         Kind = "not_found"
	RateLimit        Kind = "rate_limit"
	CircuitOpen      Kind = "circuit_open"
	Transient        Kind = "transient"
	TerminalExternal Kind = "terminal_external"
	Integrity        Kind = "integrity"
	NotImplemented   Kind = "not_implemented"
	Infrastructure   Kind = "infrastructure"
)

// Error is the taxonomy-tagged error every component returns.
type Error struct {
	Kind Kind
	Op   string
	Err  error

	// RetryAfter is the server-supplied retry hint for RateLimit/CircuitOpen
	// kinds (e.g. 5s for lock contention, 60s for capacity exhaustion).
	RetryAfter *time.Duration

	// NoRetry marks a failure a handler has determined is non-idempotent to
	// retry (e.g. a non-idempotent POST that returned a terminal 4xx), even
	// though the Kind alone might otherwise suggest a retry is safe.
	NoRetry bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether e's kind is ordinarily safe to retry, subject to
// NoRetry overriding it to false regardless of kind.
func (e *Error) Retryable() bool {
	if e.NoRetry {
		return false
	}
	switch e.Kind {
	case RateLimit, CircuitOpen, Transient:
		return true
	default:
		return false
	}
}

// New constructs a tagged error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithRetryAfter attaches a retry-after hint and returns e for chaining.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = &d
	return e
}

// WithNoRetry marks e non-retryable regardless of kind and returns e for
// chaining — used by handlers that determine a failure was caused by a
// non-idempotent operation that must not be blindly retried.
func (e *Error) WithNoRetry() *Error {
	e.NoRetry = true
	return e
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error, defaulting to Infrastructure for anything else — an untagged
// error reaching a boundary is treated as an infra failure, never silently
// as "fine to retry."
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return Infrastructure
}

// RetryAfterOf extracts the retry-after hint, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var we *Error
	if errors.As(err, &we) && we.RetryAfter != nil {
		return *we.RetryAfter, true
	}
	return 0, false
}

// retryable allowlist for Transient classification of external call
// failures (publish/notification adapters): connection-level failures,
// timeouts, explicit rate-limit/backpressure signals, and the HTTP status
// codes that mean "try again later."
var transientSubstrings = []string{
	"econnrefused",
	"etimedout",
	"econnreset",
	"timeout",
	"rate limit",
}

var transientStatusCodes = map[int]bool{
	429: true,
	502: true,
	503: true,
}

// IsTransientSignal reports whether msg (typically an adapter error string)
// matches the retryable allowlist from spec: ECONNREFUSED, ETIMEDOUT,
// ECONNRESET, "timeout", "rate limit".
func IsTransientSignal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range transientSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsTransientStatus reports whether an HTTP status code is in the
// retryable allowlist: 429, 502, 503.
func IsTransientStatus(code int) bool {
	return transientStatusCodes[code]
}
