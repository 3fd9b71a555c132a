// Package fserr defines the error taxonomy shared by every component.
//
// Each failure kind has a stable machine code and a sentinel error.
// Components wrap sentinels in *Error to attach operational context
// without breaking errors.Is checks. Handlers map codes to HTTP status
// with HTTPStatus; internal sub-errors are never serialized to clients.
package fserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation      Code = "VALIDATION"
	CodeUnsupportedType Code = "UNSUPPORTED_TYPE"
	CodeTooLarge        Code = "TOO_LARGE"
	CodeQuotaExceeded   Code = "QUOTA_EXCEEDED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeFileIncomplete  Code = "FILE_INCOMPLETE"
	CodeIntegrityFailed Code = "INTEGRITY_FAILED"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeLedgerDown      Code = "LEDGER_UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeRetryExhausted  Code = "RETRY_EXHAUSTED"
	CodeConnection      Code = "CONNECTION_ERROR"
	CodeShuttingDown    Code = "SHUTTING_DOWN"
	CodeInternal        Code = "INTERNAL"
)

// Sentinel errors, one per code. Components should wrap these via Wrap
// or New so callers can branch with errors.Is.
var (
	// ErrValidation indicates a malformed or out-of-range request input.
	ErrValidation = errors.New("validation failed")

	// ErrUnsupportedType indicates the content type is not in the allowlist.
	ErrUnsupportedType = errors.New("unsupported content type")

	// ErrTooLarge indicates the payload exceeds the configured maximum.
	ErrTooLarge = errors.New("payload too large")

	// ErrQuotaExceeded indicates the caller's daily quota would be exceeded.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNotFound indicates the requested file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrFileIncomplete indicates fewer chunks were found than the
	// metadata declares. This is retryable: the writer may still be
	// persisting chunks.
	ErrFileIncomplete = errors.New("file incomplete")

	// ErrIntegrityFailed indicates the reassembled payload failed
	// checksum verification. This is a terminal retrieval error.
	ErrIntegrityFailed = errors.New("integrity check failed")

	// ErrSessionNotFound indicates no upload session matches the key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLedgerUnavailable indicates the ledger rejected or could not
	// serve a call. Transient: retrying may succeed.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrTimeout indicates a deadline fired while waiting for a
	// resource or a ledger call.
	ErrTimeout = errors.New("operation timed out")

	// ErrRetryExhausted indicates the retry budget ran out.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrConnection indicates a transport-level failure reaching an
	// external collaborator.
	ErrConnection = errors.New("connection error")

	// ErrShuttingDown indicates the process is draining and refuses
	// new work.
	ErrShuttingDown = errors.New("shutting down")

	// ErrInternal is the catch-all for unexpected failures.
	ErrInternal = errors.New("internal error")
)

var sentinels = map[Code]error{
	CodeValidation:      ErrValidation,
	CodeUnsupportedType: ErrUnsupportedType,
	CodeTooLarge:        ErrTooLarge,
	CodeQuotaExceeded:   ErrQuotaExceeded,
	CodeNotFound:        ErrNotFound,
	CodeFileIncomplete:  ErrFileIncomplete,
	CodeIntegrityFailed: ErrIntegrityFailed,
	CodeSessionNotFound: ErrSessionNotFound,
	CodeLedgerDown:      ErrLedgerUnavailable,
	CodeTimeout:         ErrTimeout,
	CodeRetryExhausted:  ErrRetryExhausted,
	CodeConnection:      ErrConnection,
	CodeShuttingDown:    ErrShuttingDown,
	CodeInternal:        ErrInternal,
}

// Error wraps a sentinel with a code and a human-readable message.
//
// The message is safe to return to clients; the wrapped Err may carry
// internal detail and is only logged.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error returns the human-readable description.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error so errors.Is matches both the
// wrapped cause and the code's sentinel.
func (e *Error) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinels[e.Code]
}

// Is reports whether target matches this error's sentinel.
func (e *Error) Is(target error) bool {
	return target == sentinels[e.Code]
}

// New creates an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the machine code from any error. Unrecognized errors
// report CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// MessageOf returns the client-safe message for an error. For
// unrecognized errors it returns a generic message so internals never
// leak into responses.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "internal error"
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeUnsupportedType:
		return http.StatusBadRequest
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeLedgerDown, CodeShuttingDown, CodeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the error kind may succeed on retry.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeLedgerDown, CodeTimeout, CodeConnection, CodeFileIncomplete:
		return true
	default:
		return false
	}
}
