package trust

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier returned to clients.
type Code string

const (
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeInvalidStep         Code = "INVALID_STEP"
	CodeLocked              Code = "LOCKED"
	CodeAgentNotSubmitted   Code = "AGENT_NOT_SUBMITTED"
	CodeUnpaid              Code = "UNPAID"
	CodeChecklistIncomplete Code = "CHECKLIST_INCOMPLETE"
	CodeExpired             Code = "EXPIRED"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeAlreadyBound        Code = "ALREADY_BOUND"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeConflict            Code = "CONFLICT"
	CodeInternal            Code = "INTERNAL"
)

// Error is the error type returned by every trust-case component. Message is
// safe to show to clients; Err carries the underlying cause for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error with a client-facing message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted client-facing message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a store or transport failure. The cause never reaches clients.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf extracts the Code from err. Errors that are not *Error map to
// CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
