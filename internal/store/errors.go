package store

import (
	"errors"
	"fmt"
)

// Error reports a failed local persistence call.
//
// A write that returns *Error did not happen. The engine surfaces it to the
// caller synchronously (the operation is not enqueued).
type Error struct {
	Op  string // "open", "put", "get", "delete", "list", "update"
	Key string // Key or prefix involved, if any
	Err error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorageError returns true if err is or wraps a *Error.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
