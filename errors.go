package donutupload

import (
	"errors"
	"fmt"
)

var (
	ErrConflict      = errors.New("offset conflict")
	ErrNotFound      = errors.New("upload not found")
	ErrAlreadyExists = errors.New("upload already exists")
	ErrInvalidLength = errors.New("invalid upload length")
	ErrExceedsLength = errors.New("write exceeds declared upload length")
	ErrInconsistent  = errors.New("upload size does not match stored chunks")
	ErrWriteLocked   = errors.New("upload is locked by another writer")
)

// ConflictError is returned when a write claims an offset other than
// the number of bytes already persisted. The caller should re-query the
// offset and retry; nothing is retried internally.
type ConflictError struct {
	Claimed int64
	Actual  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("offset conflict: claimed=%d actual=%d", e.Claimed, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StorageError wraps any failure returned by the chunk store. The upload
// is left at the last fully flushed chunk boundary.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s key=%s: %s", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// StreamError wraps a failure of the input stream before end of data.
// Bytes buffered but not yet flushed are discarded.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("input stream: %s", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
