package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is the sentinel behind NotConnectedError.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrCommandTimeout is the sentinel behind CommandTimeoutError.
	ErrCommandTimeout = errors.New("connection: command timed out")

	// ErrCircuitOpen is returned by Connect while the breaker is open.
	ErrCircuitOpen = errors.New("connection: circuit breaker open")

	// ErrMissingTarget is returned for a command without target devices.
	ErrMissingTarget = errors.New("connection: missing command target")

	// ErrUnknownCommand is returned for an action the variant cannot perform.
	ErrUnknownCommand = errors.New("connection: unknown command")

	// ErrClosed is returned by a Conn or Manager after Close.
	ErrClosed = errors.New("connection: closed")

	// ErrWriteFailed wraps a socket write error during a command.
	ErrWriteFailed = errors.New("connection: write failed")
)

// NotConnectedError reports a command sent to a device whose session is not
// up. When State is Connecting or Reconnecting the command has been kept
// and is replayed once the session comes up.
type NotConnectedError struct {
	DeviceID string
	State    State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("device %s not connected (state %s)", e.DeviceID, e.State)
}

func (e *NotConnectedError) Unwrap() error { return ErrNotConnected }

// CommandTimeoutError reports a correlated command that got no reply after
// every attempt.
type CommandTimeoutError struct {
	DeviceID string
	Attempts int
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("device %s: no reply after %d attempts", e.DeviceID, e.Attempts)
}

func (e *CommandTimeoutError) Unwrap() error { return ErrCommandTimeout }
