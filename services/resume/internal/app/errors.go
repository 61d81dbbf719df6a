package app

import (
	"errors"
	"fmt"

	"meetra/pkg/domain"
)

// Error is a coded service error. The HTTP layer maps Code to a status.
type Error struct {
	Code    domain.ErrorCode
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

func newError(code domain.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code domain.ErrorCode, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the service error code carried by err, or "".
func CodeOf(err error) domain.ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func notFound(what string) *Error {
	return newError(domain.CodeNotFound, "%s not found", what)
}
