package opqueue

import "errors"

// ErrQueueClosed is returned by futures whose operation never ran because
// the queue was closed first.
var ErrQueueClosed = errors.New("opqueue: queue closed")
