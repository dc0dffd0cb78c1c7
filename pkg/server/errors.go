package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for server and registry conditions.
var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server: already running")

	// ErrNotRunning is returned by operations that need a started server.
	ErrNotRunning = errors.New("server: not running")

	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("server: duplicate connection id")

	// ErrConnectionClosed is reported to send callbacks after the handle closed.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrNoTransport is returned by Start when no transport is configured.
	ErrNoTransport = errors.New("server: no transport")
)

// HandlerError wraps a panic recovered from a middleware handler.
type HandlerError struct {
	ConnID     string
	Activation Activation
	Panic      any
	Stack      []byte
}

// Error returns the error message.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("server: handler panic in connection %s during %s: %v",
		e.ConnID, e.Activation, e.Panic)
}

// Unwrap returns the panic value when it was itself an error.
func (e *HandlerError) Unwrap() error {
	if err, ok := e.Panic.(error); ok {
		return err
	}
	return nil
}

// thrown carries an error raised by Ctx.Throw up to the executor.
type thrown struct {
	err error
}

// ConnError wraps an error with connection context for logging.
type ConnError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *ConnError) Error() string {
	if e.ConnID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: connection %s: %s: %v", e.ConnID, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
