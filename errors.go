package authz

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidGrant       = errors.New("invalid grant")
	ErrDirectoryMalformed = errors.New("malformed principal directory")
)

// StorageError reports a failed token store or directory operation.
type StorageError struct {
	Op       string
	Keyspace string
	Err      error
}

// NewStorageError wraps err, returning nil when err is nil.
func NewStorageError(op, keyspace string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Keyspace: keyspace, Err: err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Keyspace, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
