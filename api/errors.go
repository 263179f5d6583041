package api

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrTransportFault       ErrorCode = "TransportFault"
	ErrProtectedRegion      ErrorCode = "ProtectedRegion"
	ErrInvalidAddress       ErrorCode = "InvalidAddress"
	ErrUnsupportedAlignment ErrorCode = "UnsupportedAlignment"
	ErrLimitExceeded        ErrorCode = "LimitExceeded"
	ErrMalformedSymbols     ErrorCode = "MalformedSymbols"
	ErrMalformedDescriptor  ErrorCode = "MalformedDescriptor"
	ErrStackCorrupted       ErrorCode = "StackCorrupted"
	ErrTimeout              ErrorCode = "Timeout"
	ErrReadOnlyField        ErrorCode = "ReadOnlyField"
	ErrWriteOnceViolation   ErrorCode = "WriteOnceViolation"
	ErrControlConflict      ErrorCode = "ControlConflict"
	ErrRtosLayoutMismatch   ErrorCode = "RtosLayoutMismatch"
	ErrNotAttached          ErrorCode = "NotAttached"
	ErrNotFound             ErrorCode = "NotFound"
	ErrInvalidCommand       ErrorCode = "InvalidCommand"
)

// Error is the coded error every command failure reduces to on the wire.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf unwraps err down to its Error and returns its code, or "" when the
// chain carries no coded error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError reduces any error to a wire Error. Uncoded errors become
// InvalidCommand; transports and workers wrap their failures before they
// reach this point.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: ErrInvalidCommand, Message: err.Error()}
}
