package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failure for retry decisions and operator display.
// The queue retries transient and rate-limited errors; everything else
// fails the job on first occurrence.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindNotFound    ErrorKind = "not_found"
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindPermanent   ErrorKind = "permanent"
	KindCanceled    ErrorKind = "canceled"
	KindInternal    ErrorKind = "internal"
)

// TaggedError carries an ErrorKind alongside the wrapped cause.
// RetryAfter is set when an upstream supplied an explicit backoff hint
// (HTTP Retry-After); zero means "use the default schedule".
type TaggedError struct {
	ErrKind    ErrorKind
	Err        error
	RetryAfter time.Duration
}

func (e *TaggedError) Error() string {
	if e.Err == nil {
		return string(e.ErrKind)
	}
	return fmt.Sprintf("%s: %v", e.ErrKind, e.Err)
}

func (e *TaggedError) Unwrap() error { return e.Err }

// Tag wraps err with the given kind. A nil err returns nil.
func Tag(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &TaggedError{ErrKind: kind, Err: err}
}

// Tagf builds a tagged error from a format string.
func Tagf(kind ErrorKind, format string, args ...any) error {
	return &TaggedError{ErrKind: kind, Err: fmt.Errorf(format, args...)}
}

// RateLimited wraps err as rate-limited with an upstream backoff hint.
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TaggedError{ErrKind: KindRateLimited, Err: err, RetryAfter: retryAfter}
}

// Kind extracts the ErrorKind from an error chain. Context cancellation and
// deadline expiry map to canceled; untagged errors map to internal.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var tagged *TaggedError
	if errors.As(err, &tagged) {
		return tagged.ErrKind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindInternal
}

// RetryAfterHint returns the upstream backoff hint, if any, from an error chain.
func RetryAfterHint(err error) time.Duration {
	var tagged *TaggedError
	if errors.As(err, &tagged) {
		return tagged.RetryAfter
	}
	return 0
}

// Retryable reports whether the queue should requeue a job that failed
// with this error.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}
