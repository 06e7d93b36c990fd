package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a chat or message does not exist, or is
	// owned by a different user.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateUsername is returned by CreateUser for an existing username.
	ErrDuplicateUsername = errors.New("username already taken")
)

// StorageError wraps a database failure. The write that produced it has been
// rolled back; callers should log it and report a generic failure upstream.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
