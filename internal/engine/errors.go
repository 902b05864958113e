package engine

import "fmt"

// ValidationError rejects malformed or out-of-protocol input before any
// write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError signals a stale read detected during a guarded write; the
// client must re-fetch the session before retrying.
type ConflictError struct {
	SessionID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("session %s changed since it was read; re-fetch and retry", e.SessionID)
}

// PersistenceError wraps a store write failure. Callers holding an offline
// queue route the mutation there instead of surfacing this to the user.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }
