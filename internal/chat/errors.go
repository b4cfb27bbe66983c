package chat

import (
	"errors"
	"fmt"
)

// Session-level errors block the conversation view until retried.
var (
	ErrSessionUnavailable = errors.New("agent service is not configured")
	ErrSessionUnreachable = errors.New("upstream agent service is unreachable")
	ErrNoSession          = errors.New("no active session")
)

// Turn, persistence and sync errors degrade without losing rendered messages.
var (
	ErrSendFailed      = errors.New("agent round trip failed")
	ErrPersistFailed   = errors.New("persist retries exhausted")
	ErrSyncSkipped     = errors.New("sync skipped")
	ErrTurnInFlight    = errors.New("another turn is still in flight, wait for it to finish")
	ErrStaleCompletion = errors.New("completion belongs to a conversation that is no longer active")
)

// Transcript errors.
var (
	ErrUnknownMessage    = errors.New("unknown message")
	ErrAlreadyConfirmed  = errors.New("message already has a server id")
	ErrInvalidTransition = errors.New("invalid delivery state transition")
	ErrNotAgentMessage   = errors.New("feedback applies to agent messages only")
	ErrNotPersisted      = errors.New("message has no server id yet")
)

// SessionError reports a session acquisition failure that is neither
// "not configured" nor "upstream down".
type SessionError struct {
	Status int
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session acquisition failed (status %d): %v", e.Status, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }
