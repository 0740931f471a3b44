package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Sentinel errors for the failure classes of corpus building and scanning.
var (
	// ErrConfiguration is returned for a missing or invalid source, path or
	// option.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned when a shard or snapshot file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrResourceExhausted is returned when the disk fills up during a write.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrPartialWrite is returned when a shard's content does not match the
	// length it was preallocated for.
	ErrPartialWrite = errors.New("partial write")

	// ErrOutOfRange is returned for offsets beyond the end of a shard.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrWorkerFailure marks a scan worker that could not search its chunk.
	ErrWorkerFailure = errors.New("worker failure")

	// ErrInterrupted is returned when a scan is cancelled by the operator.
	ErrInterrupted = errors.New("interrupted")
)

// ConfigError describes an invalid option.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid configuration: %s", e.Message)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigError creates a new ConfigError
func NewConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// OutOfRangeError is an offset past the end of a shard of Length tokens.
type OutOfRangeError struct {
	Offset int64
	Length int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("index %d is out of bounds for dataset with length %d",
		e.Offset, e.Length)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// WorkerError wraps the failure of the scan worker owning the chunk
// starting at ChunkStart.
type WorkerError struct {
	ChunkStart int64
	Err        error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker for chunk %d: %v", e.ChunkStart, e.Err)
}

func (e *WorkerError) Is(target error) bool {
	return target == ErrWorkerFailure
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// SizeMismatchError reports a shard whose written token count differs from
// its preallocated length.
type SizeMismatchError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%s: wrote %d tokens, expected %d",
		e.Path, e.Actual, e.Expected)
}

func (e *SizeMismatchError) Is(target error) bool {
	return target == ErrPartialWrite
}

// NotFoundError names the missing path.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("dataset file not found at %s", e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// WrapIO tags write errors caused by a full disk as ErrResourceExhausted,
// leaving every other error untouched.
func WrapIO(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return err
}

// Code is a coarse error class for log fields and metric labels.
type Code string

const (
	CodeUnknown  Code = "unknown"
	CodeConfig   Code = "config"
	CodeNotFound Code = "not_found"
	CodeIO       Code = "io"
	CodeExhaust  Code = "exhausted"
	CodeRange    Code = "range"
	CodeWorker   Code = "worker"
	CodeCancel   Code = "cancel"
	CodePartial  Code = "partial"
)

// Classify maps an error onto its Code using sentinels and standard library
// error types only.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, ErrInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CodeCancel
	case errors.Is(err, ErrConfiguration):
		return CodeConfig
	case errors.Is(err, ErrNotFound), errors.Is(err, os.ErrNotExist):
		return CodeNotFound
	case errors.Is(err, ErrResourceExhausted):
		return CodeExhaust
	case errors.Is(err, ErrOutOfRange):
		return CodeRange
	case errors.Is(err, ErrWorkerFailure):
		return CodeWorker
	case errors.Is(err, ErrPartialWrite):
		return CodePartial
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}
