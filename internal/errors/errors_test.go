package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, NewConfigError("seed", "must be set"), ErrConfiguration)
	assert.ErrorIs(t, &OutOfRangeError{Offset: 10, Length: 10}, ErrOutOfRange)
	assert.ErrorIs(t, &SizeMismatchError{Path: "a"}, ErrPartialWrite)
	assert.ErrorIs(t, &NotFoundError{Path: "a"}, ErrNotFound)

	inner := errors.New("mmap failed")
	werr := &WorkerError{ChunkStart: 4, Err: inner}
	assert.ErrorIs(t, werr, ErrWorkerFailure)
	assert.ErrorIs(t, werr, inner)
}

func TestOutOfRangeMessage(t *testing.T) {
	err := &OutOfRangeError{Offset: 12, Length: 10}
	assert.Equal(t,
		"index 12 is out of bounds for dataset with length 10", err.Error())
}

func TestWrapIO(t *testing.T) {
	assert.Nil(t, WrapIO(nil))
	full := &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}
	assert.ErrorIs(t, WrapIO(full), ErrResourceExhausted)
	other := errors.New("boom")
	assert.Equal(t, other, WrapIO(other))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("scan: %w", ErrInterrupted), CodeCancel},
		{NewConfigError("", "bad"), CodeConfig},
		{&NotFoundError{Path: "x"}, CodeNotFound},
		{&OutOfRangeError{}, CodeRange},
		{&WorkerError{Err: errors.New("x")}, CodeWorker},
		{&SizeMismatchError{}, CodePartial},
		{WrapIO(&os.PathError{Err: syscall.ENOSPC}), CodeExhaust},
		{&os.PathError{Op: "open", Err: syscall.EACCES}, CodeIO},
		{errors.New("other"), CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, Classify(tt.err), "%v", tt.err)
	}
}
