// Package apierr defines the error taxonomy shared by the gateway components.
//
// Components return (possibly wrapped) sentinel errors; only the S3 response
// layer decides which HTTP status and S3 error code a failure maps to.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for gateway operations.
var (
	// ErrValidation indicates a malformed key, prefix, cursor or request.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound indicates the requested object does not exist upstream.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound indicates the bucket is not mapped to a drive.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied indicates the object exists but is not exposed.
	ErrAccessDenied = errors.New("access denied")

	// ErrAuth indicates the upstream credential could not be acquired
	// or was rejected after a forced refresh.
	ErrAuth = errors.New("upstream authentication failed")

	// ErrUpstream indicates a non-recoverable upstream failure.
	ErrUpstream = errors.New("upstream request failed")

	// ErrUnavailable indicates the upstream stayed unavailable (503 or
	// timeouts) for the whole retry budget.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrRateLimited indicates the upstream kept throttling beyond the
	// retry budget.
	ErrRateLimited = errors.New("upstream throttled")
)

// Error wraps a sentinel error with the context it occurred in.
type Error struct {
	// Op is the operation that failed (e.g. "ListChildren", "Token").
	Op string

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the object key or drive path, if applicable.
	Key string

	// Status is the upstream HTTP status, zero when no response was received.
	Status int

	// RetryAfter is the last retry hint sent by the upstream.
	RetryAfter time.Duration

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Op
	if e.Bucket != "" {
		msg += " " + e.Bucket
		if e.Key != "" {
			msg += "/" + e.Key
		}
	} else if e.Key != "" {
		msg += " " + e.Key
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a validation error with a short reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsBucketNotFound reports whether err indicates an unmapped bucket.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsAccessDenied reports whether err indicates a hidden object.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsAuth reports whether err indicates an upstream credential failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRateLimited reports whether err indicates upstream throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsUnavailable reports whether err indicates the upstream was unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Status returns the upstream status carried by err, if any.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
