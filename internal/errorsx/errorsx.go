// Package errorsx defines the structured error kinds that cross the
// pool/worker boundary (spec §7). Each kind is a sentinel tested with
// errors.Is; CompilerError and SerializationFailure carry the worker's
// formatted trace via errors.As.
package errorsx

import (
	"errors"
	"fmt"
)

// Sentinel kinds matched with errors.Is.
var (
	// ErrConnectionError: IPC socket closed or handshake failed.
	ErrConnectionError = errors.New("connection error")
	// ErrPoolClosed: stop() has been called.
	ErrPoolClosed = errors.New("pool closed")
	// ErrWorkerCrashed: reply never arrived because the worker process died.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrFailedStateSync: worker could not ingest the state-sync preamble.
	ErrFailedStateSync = errors.New("failed state sync")
	// ErrIncompatibleClient: remote broker rejected our catalog version or backend params.
	ErrIncompatibleClient = errors.New("incompatible client")
	// ErrStateNotFound: "reuse last" was sent for a state_id the broker/worker doesn't have.
	ErrStateNotFound = errors.New("state not found")
)

// CompilerError wraps a domain error produced inside the worker, with
// the worker's formatted trace attached for diagnostics.
type CompilerError struct {
	Message       string
	FormattedTrace string
}

func (e *CompilerError) Error() string {
	return fmt.Sprintf("compiler error: %s", e.Message)
}

// SerializationFailure is returned when the worker produced a result
// that could not be encoded for the wire.
type SerializationFailure struct {
	FormattedTrace string
}

func (e *SerializationFailure) Error() string {
	return "internal server error: worker result failed to serialize"
}

// ConnErr wraps ErrConnectionError with connection-specific context.
type ConnErr struct {
	Reason string // e.g. "sigterm", "sigkill", "eof", "dial failed"
	Err    error
}

func (e *ConnErr) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connection error (%s)", e.Reason)
}

func (e *ConnErr) Unwrap() error { return ErrConnectionError }

// NewConnErr builds a ConnErr, the canonical way to surface a lost or
// refused IPC connection.
func NewConnErr(reason string, err error) error {
	return &ConnErr{Reason: reason, Err: err}
}
