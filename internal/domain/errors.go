package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced across component boundaries. Authorization and
// not-found errors propagate to the caller unchanged for translation at the
// API boundary.
var (
	// ErrDuplicateSession is returned when creating a session whose ID
	// already exists.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrNotParticipant is returned when a user acts on a session they do
	// not belong to.
	ErrNotParticipant = errors.New("user is not a session participant")

	// ErrSessionNotFound is returned when a session record does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned when terminating a session that has
	// already reached a terminal status.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrDocumentNotFound is returned when applying an update to a session
	// with no cached document.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentTooLarge is returned when a document exceeds the
	// configured size ceiling.
	ErrDocumentTooLarge = errors.New("document exceeds size limit")
)

// PersistenceError wraps a failure against the session registry or snapshot
// store. Retryable failures (busy database, timeouts) may be retried with
// backoff; the rest fail immediately.
type PersistenceError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ReplicationError wraps a failure against the replication bus.
type ReplicationError struct {
	Op  string
	Err error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replication failure in %s: %v", e.Op, e.Err)
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}
