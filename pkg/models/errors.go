package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a serving-core failure.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindValidation        ErrorKind = "validation"
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindIntegrity         ErrorKind = "integrity"
	KindTransform         ErrorKind = "transform"
	KindTimeout           ErrorKind = "timeout"
)

// Error is the structured error type used across the serving core.
// Every failure carries a kind and a message; Err optionally wraps
// the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound builds a not_found error for an entity/key pair.
func NotFound(entity, key string) *Error {
	return &Error{Kind: KindNotFound, Message: entity + " not found: " + key}
}

// Validation builds a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// UnsupportedFormat builds an error for a model format with no adapter.
func UnsupportedFormat(format string) *Error {
	return &Error{Kind: KindUnsupportedFormat, Message: "no adapter registered for format: " + format}
}

// Integrity builds a checksum/verification failure error.
func Integrity(format string, args ...any) *Error {
	return &Error{Kind: KindIntegrity, Message: fmt.Sprintf(format, args...)}
}

// Transform builds a transformation failure wrapping its cause.
func Transform(message string, cause error) *Error {
	return &Error{Kind: KindTransform, Message: message, Err: cause}
}

// Timeout builds a deadline-exceeded error.
func Timeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err, or "" when err is not a core Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
