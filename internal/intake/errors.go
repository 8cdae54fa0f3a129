package intake

import "errors"

var (
	// ErrInvalidMessage is returned for a payload or topic that cannot be
	// parsed.
	ErrInvalidMessage = errors.New("intake: invalid message")

	// ErrUnknownOp is returned for a command message with an unknown op.
	ErrUnknownOp = errors.New("intake: unknown op")

	// ErrNoManager is returned for a class without a connection manager.
	ErrNoManager = errors.New("intake: class has no manager")

	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("intake: stopped")
)
