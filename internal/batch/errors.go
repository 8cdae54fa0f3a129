package batch

import "errors"

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("batch: flusher stopped")
