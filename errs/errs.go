// Package errs centralizes the error taxonomy from the error handling
// design: breaker-open rejection, permanent (fatal) database errors, and
// poison-record validation failures, each matchable with errors.Is.
package errs

import "errors"

// ErrBreakerOpen is returned by the Writer when the circuit breaker
// rejects a submission without attempting a database call.
var ErrBreakerOpen = errors.New("breaker open: database call skipped")

// ErrCancelled marks a retry attempt ended by cancellation rather than by
// the operation itself failing.
var ErrCancelled = errors.New("operation cancelled")

// PermanentError wraps a non-retryable database error that should raise
// to the Supervisor as fatal: constraint violations not covered by the
// upsert, schema errors, authentication failures.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanent wraps err as a PermanentError.
func NewPermanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// CommitFailedError marks a failure to commit offsets back to the
// broker — tolerable to re-deliver a batch, never tolerable to lose a
// commit silently, so this is always treated as fatal by the Supervisor.
type CommitFailedError struct {
	Err error
}

func (e *CommitFailedError) Error() string { return "offset commit failed: " + e.Err.Error() }
func (e *CommitFailedError) Unwrap() error { return e.Err }
