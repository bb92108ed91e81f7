// Package errors defines the error taxonomy shared by all ordex services.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
	New    = errors.New
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConcurrency Kind = "concurrency"
	KindDependency  Kind = "dependency"
	KindInternal    Kind = "internal"
)

// Error carries a kind, a machine-readable code and an optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed client input. No side effects may have occurred.
func Validation(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown entity.
func NotFound(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Concurrency reports a lost race: lock not acquired or stale-version write.
// The caller may retry the whole operation.
func Concurrency(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConcurrency, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Dependency reports an unreachable collaborator (broker, store, risk service).
func Dependency(code string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindDependency, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Internal reports an unexpected failure.
func Internal(code string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Wrap attaches a cause to a copy of e, preserving kind and code.
func Wrap(e *Error, err error) *Error {
	out := *e
	out.Err = err
	return &out
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConcurrency reports whether err is a concurrency error.
func IsConcurrency(err error) bool { return KindOf(err) == KindConcurrency }

// IsDependency reports whether err is a dependency error.
func IsDependency(err error) bool { return KindOf(err) == KindDependency }

// Error codes used across services.
const (
	CodeInvalidRequest    = "1001"
	CodeOrderNotFound     = "2000"
	CodeDuplicateOrder    = "2001"
	CodeInvalidStatus     = "2002"
	CodeInvalidPrice      = "2003"
	CodeInvalidQuantity   = "2004"
	CodeInvalidSymbol     = "2005"
	CodeRiskCheckFailed   = "3000"
	CodeLockNotAcquired   = "5100"
	CodeStaleVersion      = "5101"
	CodeMessageQueueError = "5002"
	CodeDatabaseError     = "5000"
	CodeCacheError        = "5001"
)
