package ioerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(ReadError, "child-1", cause)

	assert.True(t, Is(err, ReadError))
	assert.False(t, Is(err, WriteError))
	assert.False(t, Is(errors.New("plain"), ReadError))
}

func TestIsSeesThroughFmtWrapping(t *testing.T) {
	err := New(NotFound, "pool-1")
	wrapped := fmt.Errorf("lookup failed: %w", err)
	assert.True(t, Is(wrapped, NotFound))
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(WriteError, "child-1", cause)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "child-1")
}

func TestRPCStatusMapping(t *testing.T) {
	cases := map[Kind]string{
		NotFound:        "not_found",
		JobNotFound:     "not_found",
		BdevNotFound:    "not_found",
		AlreadyExist:    "already_exists",
		JobAlreadyExists: "already_exists",
		AlreadyShared:   "already_exists",
		Busy:            "failed_precondition",
		Exhausted:       "resource_exhausted",
		NoCopyBuffer:    "resource_exhausted",
		OutOfRange:      "out_of_range",
		Cancelled:       "cancelled",
		Internal:        "internal",
		Panicked:        "internal",
		InvalidArgument: "invalid_argument",
	}
	for kind, want := range cases {
		assert.Equal(t, want, RPCStatus(kind), "kind %s", kind)
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(ReadError, "x", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}
