package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a turn or tool failure.
type ErrorKind string

const (
	// ErrToolTimeout: a tool invocation exceeded its deadline.
	ErrToolTimeout ErrorKind = "tool_timeout"
	// ErrToolRemoteFailure: the tool server was reachable but returned an error.
	ErrToolRemoteFailure ErrorKind = "tool_remote_failure"
	// ErrToolNotFound: the requested tool name is absent from the registry.
	ErrToolNotFound ErrorKind = "tool_not_found"
	// ErrBackendConnectionLost: the generation backend connection dropped or timed out.
	ErrBackendConnectionLost ErrorKind = "backend_connection_lost"
	// ErrBackendProtocol: the generation backend emitted a malformed response.
	ErrBackendProtocol ErrorKind = "backend_protocol_error"
	// ErrConcurrentTurn: a turn is already in progress for the conversation.
	ErrConcurrentTurn ErrorKind = "concurrent_turn_conflict"
	// ErrPersistence: the turn streamed but committing it to storage failed.
	ErrPersistence ErrorKind = "persistence_failure"
	// ErrTurnCanceled: the client requested early termination of the turn.
	ErrTurnCanceled ErrorKind = "turn_canceled"
)

// ToolKind reports whether the kind is a tool-level failure. Tool-level
// failures are recovered by the turn handler: they terminate only the
// affected tool call and are fed back to the model as an error result.
func (k ErrorKind) ToolKind() bool {
	switch k {
	case ErrToolTimeout, ErrToolRemoteFailure, ErrToolNotFound:
		return true
	}
	return false
}

// TurnError is a classified error surfaced on the event stream or returned
// from RunTurn.
type TurnError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTurnError creates a TurnError with the given kind.
func NewTurnError(kind ErrorKind, format string, args ...any) *TurnError {
	return &TurnError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, classifying unrecognized errors as
// backend connection loss (the only unclassified failure mode the turn
// handler can encounter is its backend stream).
func KindOf(err error) ErrorKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrTurnCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrBackendConnectionLost
	}
	return ErrBackendConnectionLost
}
