package storage

import (
	"errors"
	"fmt"
)

// ErrNilDocument is returned when Save is called without a document
var ErrNilDocument = errors.New("schedule store document is nil")

// StorageCorruptError is returned when the backing file exists but cannot be
// decoded as a store document
type StorageCorruptError struct {
	Path string
	Err  error
}

func (e *StorageCorruptError) Error() string {
	return fmt.Sprintf("schedule store %s is corrupt: %v", e.Path, e.Err)
}

func (e *StorageCorruptError) Unwrap() error {
	return e.Err
}
