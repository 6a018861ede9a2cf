package lane

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is the reason Submit refuses work after Close.
	ErrClosed = errors.New("lane closed")
	// ErrFull is the reason a Drop lane refuses work when its queue is full.
	ErrFull = errors.New("lane full")
)

// RejectedError is returned by Submit when a task was not queued. It
// unwraps to ErrClosed or ErrFull.
type RejectedError struct {
	Lane   string
	Task   string
	Reason error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("lane %s rejected task %s: %v", e.Lane, e.Task, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }

// PanicError is what a panicking task is counted and logged as.
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.Task, e.Value)
}
