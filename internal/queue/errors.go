package queue

import "errors"

var (
	// ErrQueueFull is returned when an enqueue would exceed the user's capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrOperationNotFound is returned for unknown operation ids.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrOperationTerminal is returned when failing an operation that already
	// completed or failed.
	ErrOperationTerminal = errors.New("operation already finished")
)
