package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can decide whether to retry,
// fail fast, or swallow and log.
type ErrorKind string

const (
	// KindTimeout marks work that exceeded its deadline. Retryable.
	KindTimeout ErrorKind = "timeout"

	// KindTransient marks network failures and 5xx responses. Retryable
	// with backoff.
	KindTransient ErrorKind = "transient"

	// KindRateLimited marks 429 responses. Retry after the server-specified
	// delay.
	KindRateLimited ErrorKind = "rate_limited"

	// KindValidation marks malformed input or payloads. Not retryable.
	KindValidation ErrorKind = "validation"

	// KindExhausted marks a spent retry budget. Terminal; surfaced to the
	// caller.
	KindExhausted ErrorKind = "exhausted"

	// KindLockTimeout marks a ledger append that could not acquire the lock.
	// Logged; the run outcome is unaffected.
	KindLockTimeout ErrorKind = "lock_timeout"

	// KindStorage marks snapshot read/write failures. Logged; components
	// fall back to empty state rather than crashing.
	KindStorage ErrorKind = "storage"
)

// ClassifiedError attaches an ErrorKind to an underlying error.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with the given kind.
func Classified(kind ErrorKind, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classifiedf wraps a formatted error with the given kind.
func Classifiedf(kind ErrorKind, format string, args ...any) error {
	return &ClassifiedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification of err, walking the wrap chain.
// Unclassified errors report KindTransient, the conservative retryable
// default.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
