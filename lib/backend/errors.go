package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

// RetCode classifies every error PDAL surfaces. The classification decides
// how a failure propagates: transient codes are retried inside the retry
// policy up to the configured budget, fatal codes propagate immediately.
type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Operation executed successfully.
	RetCInternal                            // 1: Unclassified internal error. Not retried.
	RetCUnsupportedOperation                // 2: Operation is not supported by the backend.
	RetCUnavailable                         // 3: Transient network error or remote timeout. Retried.
	RetCRateLimited                         // 4: The store shed load. Retried, honoring the suggested wait.
	RetCWriteConcern                        // 5: Too few replicas available for the ack level. Retried.
	RetCNotOwner                            // 6: The partition no longer owns the key. Refresh routing and retry.
	RetCNoOwner                             // 7: No partition owns the key. Fatal configuration defect.
	RetCValidation                          // 8: Malformed document or request. Fatal.
	RetCVersionConflict                     // 9: Conditional write lost the race. The caller must re-read.
	RetCCursorExpired                       // 10: Cursor cannot be remapped. The caller must restart the scan.
	RetCCancelled                           // 11: The caller cancelled the operation.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternal:
		return "Internal"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCUnavailable:
		return "Unavailable"
	case RetCRateLimited:
		return "RateLimited"
	case RetCWriteConcern:
		return "WriteConcern"
	case RetCNotOwner:
		return "NotOwner"
	case RetCNoOwner:
		return "NoOwner"
	case RetCValidation:
		return "Validation"
	case RetCVersionConflict:
		return "VersionConflict"
	case RetCCursorExpired:
		return "CursorExpired"
	case RetCCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Retryable reports whether an operation failing with this code may be
// retried as-is. RetCNotOwner is retryable only after refreshing the
// routing table; RetCVersionConflict requires the caller to re-read and
// redo the whole read-modify-write cycle, so it is not retryable here.
func (c RetCode) Retryable() bool {
	switch c {
	case RetCUnavailable, RetCRateLimited, RetCWriteConcern, RetCNotOwner:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type for every failure PDAL surfaces. It wraps a
// return code, a message and, depending on the code, additional context.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message

	// RetryAfter is the server-suggested wait before the next attempt.
	// Only set for RetCRateLimited, zero otherwise.
	RetryAfter time.Duration

	// Acks is the number of replica acknowledgments observed before the
	// failure. Only meaningful for RetCWriteConcern.
	Acks int

	// Attempts is how many attempts were made before giving up. Set by the
	// retry policy when the budget is exhausted.
	Attempts int

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("PDALError (code %s): %s", e.Code, e.Msg)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// NewErrorf creates a new Error with the given code and a formatted message.
func NewErrorf(code RetCode, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// WrapError creates a new Error with the given code that wraps err.
func WrapError(code RetCode, msg string, err error) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  err,
	}
}

// NewRateLimitedError creates a RetCRateLimited error carrying the
// server-suggested wait time. A zero retryAfter means no suggestion.
func NewRateLimitedError(msg string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       RetCRateLimited,
		Msg:        msg,
		RetryAfter: retryAfter,
	}
}

// NewWriteConcernError creates a RetCWriteConcern error carrying the
// partial acknowledgment count observed before the failure.
func NewWriteConcernError(msg string, acks int) *Error {
	return &Error{
		Code: RetCWriteConcern,
		Msg:  msg,
		Acks: acks,
	}
}

// --------------------------------------------------------------------------
// Error Inspection Helpers
// --------------------------------------------------------------------------

// CodeOf extracts the RetCode of an error. Errors that are not a *Error
// report RetCInternal, a nil error reports RetCSuccess.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RetCCancelled
	}
	return RetCInternal
}

// IsCode reports whether err carries the given return code.
func IsCode(err error, code RetCode) bool {
	return CodeOf(err) == code
}

// AsError extracts the *Error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
