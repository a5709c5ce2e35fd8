// Package engramerr defines the coded errors surfaced at the RPC and HTTP
// boundaries. Internal code wraps with fmt.Errorf as usual; handlers convert
// to (or pass through) *Error so every failure carries a stable machine code
// and, where it helps, a remediation hint.
package engramerr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error category.
type Code string

const (
	CodeValidation  Code = "validation"
	CodeNotFound    Code = "not_found"
	CodeIntegrity   Code = "integrity"
	CodeTransient   Code = "transient"
	CodeRateLimited Code = "rate_limited"
	CodeConflict    Code = "conflict"
	CodeInternal    Code = "internal"
)

// Error is a coded error with an optional remediation hint.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithHint returns a copy of e carrying a remediation hint.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// WithCause returns a copy of e wrapping the underlying error.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Integrity(format string, args ...any) *Error {
	return New(CodeIntegrity, format, args...)
}

func Transient(format string, args ...any) *Error {
	return New(CodeTransient, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return New(CodeRateLimited, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(CodeInternal, format, args...)
}

// From converts any error into an *Error, passing coded errors through and
// classifying everything else as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("%v", err)
}

// IsTransient reports whether err should be retried. Used as the predicate
// for the shared retry helper.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeTransient
	}
	return false
}

// CodeOf returns the code of err, or internal for uncoded errors.
func CodeOf(err error) Code {
	return From(err).Code
}
