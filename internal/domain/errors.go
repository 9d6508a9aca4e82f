package domain

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeValidation            Code = "VALIDATION"
	CodeTargetOffline         Code = "TARGET_OFFLINE"
	CodeBlocked               Code = "BLOCKED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeConflict              Code = "CONFLICT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeClassifierUnavailable Code = "CLASSIFIER_UNAVAILABLE"
)

// Error is a domain error carrying a code for callers to branch on.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a domain error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrValidation            = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrTargetOffline         = &Error{Code: CodeTargetOffline, Message: "target is offline"}
	ErrBlocked               = &Error{Code: CodeBlocked, Message: "blocked"}
	ErrRateLimited           = &Error{Code: CodeRateLimited, Message: "rate limited"}
	ErrConflict              = &Error{Code: CodeConflict, Message: "already resolved"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrClassifierUnavailable = &Error{Code: CodeClassifierUnavailable, Message: "classifier unavailable"}
)

// Errorf creates a domain error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a domain error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first domain error in err's chain.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}
