package widevine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCode classifies key source failures. Transport errors from the
// KeyFetcher are not remapped; everything the key source itself produces
// carries one of these codes.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	// CodeInternal covers signing failures. Never retried.
	CodeInternal
	// CodeTimeout marks a transport timeout, the only transport class that
	// is retried.
	CodeTimeout
	// CodeServer is a non-OK, non-transient license status. Never retried.
	CodeServer
	// CodeParse marks a malformed response payload. Never retried.
	CodeParse
	// CodeNotFound is a lookup for a track type no fetch ever populated.
	CodeNotFound
	// CodeInvalidArgument is a local query error: an evicted or unknown
	// crypto period index, or an unresolved track type.
	CodeInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "INTERNAL_ERROR"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeServer:
		return "SERVER_ERROR"
	case CodeParse:
		return "PARSE_ERROR"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "UNKNOWN"
	}
}

// Error is the typed failure returned by the key source.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrorCode from err, or CodeUnknown for errors that did
// not originate in this package (e.g. transport errors passed through).
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// ErrTimeout lets KeyFetcher implementations and test doubles signal a
// timeout explicitly instead of relying on net.Error.
var ErrTimeout = errors.New("request timed out")

// IsTimeout reports whether a transport error belongs to the retryable
// timeout class.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return CodeOf(err) == CodeTimeout
}
