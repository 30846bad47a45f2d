// Package perrors provides the error taxonomy of the pod execution
// pipeline and retry with exponential backoff.
//
// Every error surfaced across a component boundary carries a Code so
// callers can handle it programmatically without parsing text. The
// orchestrator persists the code on the execution row as errorCode.
package perrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code classifies an error for programmatic handling.
type Code string

// Taxonomy codes.
const (
	CodeNotFound            Code = "NotFound"
	CodeBadRequest          Code = "BadRequest"
	CodeInvalidCredential   Code = "InvalidCredential"
	CodeRateLimited         Code = "RateLimited"
	CodeBackendUnavailable  Code = "BackendUnavailable"
	CodeTimeout             Code = "Timeout"
	CodeNetworkError        Code = "NetworkError"
	CodeCircuitOpen         Code = "CircuitOpen"
	CodeCredentialCorrupted Code = "CredentialCorrupted"
	CodeCyclicGraph         Code = "CyclicGraph"
	CodeUnknown             Code = "Unknown"
)

// Error wraps an underlying error with its taxonomy code and context.
type Error struct {
	// Code classifies the error.
	Code Code
	// Message is the human-readable description.
	Message string
	// Err is the underlying cause, if any.
	Err error
	// RetryAfterSeconds is set for RateLimited errors when the backend
	// supplied a Retry-After hint.
	RetryAfterSeconds int
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from an error chain.
// Returns CodeUnknown for nil or uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetworkError
	}
	return CodeUnknown
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether a retry might help: rate limits, backend
// unavailability, timeouts, and network failures. 4xx-class errors other
// than 429 are never retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeBackendUnavailable, CodeTimeout, CodeNetworkError:
		return true
	default:
		return false
	}
}

// FromHTTPStatus maps a backend HTTP status to a coded error.
func FromHTTPStatus(status int, message string) *Error {
	switch {
	case status == 401 || status == 403:
		return &Error{Code: CodeInvalidCredential, Message: message}
	case status == 429:
		return &Error{Code: CodeRateLimited, Message: message}
	case status == 400:
		return &Error{Code: CodeBadRequest, Message: message}
	case status >= 500:
		return &Error{Code: CodeBackendUnavailable, Message: message}
	case status == 404:
		return &Error{Code: CodeNotFound, Message: message}
	default:
		return &Error{Code: CodeUnknown, Message: fmt.Sprintf("HTTP %d: %s", status, message)}
	}
}
