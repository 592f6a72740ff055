package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned by Create when the id is already taken.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrConflict is returned when optimistic-concurrency tokens do not
	// match the current document version.
	ErrConflict = errors.New("version conflict")
)

// ConflictError carries the conflicting document coordinates. It matches
// ErrConflict under errors.Is.
type ConflictError struct {
	Index       string
	ID          string
	SeqNo       int64
	PrimaryTerm int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s (if_seq_no=%d, if_primary_term=%d)",
		e.Index, e.ID, e.SeqNo, e.PrimaryTerm)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransportError is a transport-level failure with an HTTP-like status code.
// Status 429 and any 5xx are retryable; everything else is not.
type TransportError struct {
	Status  int
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the error should be retried with backoff.
func (e *TransportError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// IsRetryable reports whether err (or anything it wraps) is a retryable
// transport error.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}
