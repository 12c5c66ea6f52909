package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers that decide on retries and response codes.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindUpstream      ErrorKind = "upstream"
	KindDataIntegrity ErrorKind = "data_integrity"
	KindInternal      ErrorKind = "internal"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError of the given kind.
func NewAppError(kind ErrorKind, op, msg string, err error) error {
	return &AppError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Validation reports a malformed query, range or identifier.
func Validation(op, msg string) error {
	return &AppError{Kind: KindValidation, Op: op, Msg: msg}
}

// NotFound reports a missing probe fact.
func NotFound(op, msg string) error {
	return &AppError{Kind: KindNotFound, Op: op, Msg: msg}
}

// Upstream wraps a store failure the caller may retry.
func Upstream(op string, err error) error {
	return &AppError{Kind: KindUpstream, Op: op, Msg: "store unavailable", Err: err}
}

// DataIntegrity reports stored data outside the known domain. Never retried.
func DataIntegrity(op, msg string) error {
	return &AppError{Kind: KindDataIntegrity, Op: op, Msg: msg}
}

// KindOf returns the kind of the outermost AppError in the chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Message returns the human detail of the outermost AppError, or the error text.
func Message(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Msg
	}
	return err.Error()
}
