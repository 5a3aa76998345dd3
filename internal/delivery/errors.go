package delivery

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks failures expected to succeed on retry.
	ErrTransient = errors.New("transient delivery failure")
	// ErrPermanent marks failures that will never succeed, e.g. rejected content.
	ErrPermanent = errors.New("permanent delivery failure")
)

// TransientError is a retryable failure. RetryAfter carries the wait the
// remote side asked for, zero when it gave none.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient: %v (retry after %s)", e.Err, e.RetryAfter)
	}
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// PermanentError is a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }

func (e *PermanentError) Unwrap() []error { return []error{ErrPermanent, e.Err} }

// Transient wraps err as retryable.
func Transient(err error, retryAfter time.Duration) error {
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Classify reports whether err is worth retrying and the suggested wait.
// Errors a transport did not classify are treated as permanent.
func Classify(err error) (transient bool, retryAfter time.Duration) {
	var te *TransientError
	if errors.As(err, &te) {
		return true, te.RetryAfter
	}
	return false, 0
}
