package store

import (
	"errors"
	"fmt"

	"github.com/xraph/tally"
)

// Code classifies a store failure.
type Code string

// Error codes reported by every backend.
const (
	CodeNotFound         Code = "not-found"
	CodePermissionDenied Code = "permission-denied"
	CodeUnavailable      Code = "unavailable"
	CodeInvalidArgument  Code = "invalid-argument"
	CodeAborted          Code = "aborted"
	CodeUnknown          Code = "unknown"
)

// Error is the error type returned by store backends.
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error
}

// NewError builds an Error. err may be nil.
func NewError(op, path string, code Code, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s %s: %s", e.Op, e.Path, e.Code)
	}
	return fmt.Sprintf("store: %s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps codes onto the tally sentinels so callers can use errors.Is
// without importing this package.
func (e *Error) Is(target error) bool {
	switch target {
	case tally.ErrNotFound:
		return e.Code == CodeNotFound
	case tally.ErrPermissionDenied:
		return e.Code == CodePermissionDenied
	case tally.ErrStoreUnavailable:
		return e.Code == CodeUnavailable
	}
	return false
}

// CodeOf returns the code carried by err. Errors that are not store errors
// report CodeUnknown; nil reports "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, tally.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, tally.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, tally.ErrStoreUnavailable):
		return CodeUnavailable
	}
	return CodeUnknown
}

// IsNotFound returns true if err reports a missing document.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsPermissionDenied returns true if err reports an access-rule rejection.
func IsPermissionDenied(err error) bool {
	return CodeOf(err) == CodePermissionDenied
}
