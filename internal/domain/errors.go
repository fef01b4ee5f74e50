package domain

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure worth retrying: network timeouts, 5xx
// responses, rate limiting.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure no retry can fix: revoked credentials,
// 4xx responses other than rate limiting.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure during %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IntegrityError means an envelope failed authentication: either the data
// was tampered with or the passphrase is wrong. Retrying cannot help and
// the affected note's sync must halt.
type IntegrityError struct {
	NoteID string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.NoteID == "" {
		return fmt.Sprintf("envelope integrity check failed: %v", e.Err)
	}
	return fmt.Sprintf("envelope integrity check failed for note %s: %v", e.NoteID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// QueuePersistenceError means the change queue could not be durably
// written. The enqueue did not happen; the caller must retry it.
type QueuePersistenceError struct {
	NoteID string
	Err    error
}

func (e *QueuePersistenceError) Error() string {
	return fmt.Sprintf("failed to persist pending change for note %s: %v", e.NoteID, e.Err)
}

func (e *QueuePersistenceError) Unwrap() error { return e.Err }

// ConflictPendingError is not a failure: the note has an unresolved
// conflict and cannot sync until a resolution strategy is supplied.
type ConflictPendingError struct {
	NoteID string
}

func (e *ConflictPendingError) Error() string {
	return fmt.Sprintf("note %s has an unresolved conflict", e.NoteID)
}

// IsTransient reports whether err should consume retry budget.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err fails fast without retrying.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsIntegrity reports whether err is an envelope authentication failure.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
