package dispatch

import "errors"

// ErrNotFound is returned when no handler is registered for a service/method pair.
var ErrNotFound = errors.New("handler not found")

// ExecutionError wraps every failure that happens while invoking a task.
// Error returns the underlying message unchanged so it can be stored as the
// task's last error.
type ExecutionError struct {
	Service string
	Method  string
	Err     error
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
