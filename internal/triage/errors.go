package triage

import "errors"

var (
	// ErrNotFound is returned when a message, preference set or draft does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a value falls outside its enumeration or range.
	ErrValidation = errors.New("validation failed")

	// ErrNotClassified is returned when drafting is requested before a pass committed.
	ErrNotClassified = errors.New("message has not been classified")

	// ErrTransient marks an external failure that is worth retrying.
	ErrTransient = errors.New("transient external failure")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// Transient wraps err so that IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a retryable external failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrNotClassified)
}
