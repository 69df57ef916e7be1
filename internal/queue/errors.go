package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrConstraint  = errors.New("task violates storage constraint")
	ErrUnknownTask = errors.New("task has no identity; insert and commit it first")
	ErrClosed      = errors.New("store closed")
)

// StorageError wraps any failure of a persistence operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// CleanupError is returned by the retention sweep.
type CleanupError struct {
	Err error
}

func (e *CleanupError) Error() string {
	return "retention sweep: " + e.Err.Error()
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}
