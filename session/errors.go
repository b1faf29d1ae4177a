package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live
	// connection while the session is connecting, reconnecting, or
	// disconnected.
	ErrNotConnected = errors.New("session not connected")

	// ErrClosed is returned once Close has been called. A closed
	// session cannot be reopened.
	ErrClosed = errors.New("session closed")

	// ErrAlreadyOpen is returned by Open on a session that is already
	// running.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrRetriesExhausted is reported through OnStateChange and
	// OnError when every reconnect attempt has failed.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	// ErrNoMerger is returned by ResolveConflict with the merge
	// strategy when no merge func was configured.
	ErrNoMerger = errors.New("merge resolution requires a merge func")
)

// AuthError means the relay rejected the session's credentials. It is
// terminal: the session never retries after one.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication rejected (status %d)", e.Status)
	}
	return "authentication rejected"
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectionError wraps a network-level failure to reach the relay.
// Unlike an AuthError it is retryable.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connect: " + e.Err.Error() }

func (e *ConnectionError) Unwrap() error { return e.Err }
