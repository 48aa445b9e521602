package queue

import "errors"

// ErrClosed is returned by Enqueue/Dequeue once the queue has been closed
// and, for Dequeue, fully drained.
var ErrClosed = errors.New("queue: closed")
