package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when the memory queue buffer is exhausted
	ErrQueueFull = errors.New("queue is full")
)
