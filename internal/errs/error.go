// Package errs defines the typed error kinds shared across the
// orchestration core (§7). Components never propagate raw exceptions
// across a boundary; they wrap failures in *Error and let callers map
// the Code to a transport-specific representation (HTTP status, deny
// result, and so on).
package errs

import (
	"errors"
	"fmt"
)

// Code classifies a failure the way §7 enumerates error kinds.
type Code string

const (
	// NotFound is returned when a sandbox, snapshot, session, or image
	// lookup misses.
	NotFound = Code("NotFound")
	// Internal covers backend-unavailable conditions: non-2xx from a
	// hosted API, a process spawn failure, a transport error.
	Internal = Code("Internal")
	// Conflict covers state-invalid transitions: start on a terminated
	// sandbox, releasing a lock not held, cancelling an executing prompt.
	Conflict = Code("Conflict")
	// BadRequest covers malformed caller input.
	BadRequest = Code("BadRequest")
	// SyncBlocked is returned by the sync gate when a write-class tool
	// call is denied because the sandbox's git clone isn't synced yet.
	SyncBlocked = Code("SyncBlocked")
	// Timeout is returned when a bounded wait (wait-for-ready, sync-gate
	// wait, build timeout) elapses without reaching the desired state.
	Timeout = Code("Timeout")
	// Unknown is the fallback code for errors that didn't originate as
	// an *Error.
	Unknown = Code("Unknown")
)

// Error is the typed error every component-boundary failure is wrapped in.
// StatusCode and Body are populated only for Internal errors that
// originated as a non-2xx response from a remote backend (§7 kind 3,
// "backend-unavailable"); callers that need the raw remote status
// inspect them directly instead of re-parsing Message.
type Error struct {
	Code       Code
	Message    string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewBackendUnavailable wraps a non-2xx response from a remote backend
// (§7 kind 3) as a typed Internal error carrying the original
// {statusCode, body} instead of folding them into the message string.
func NewBackendUnavailable(statusCode int, body string) *Error {
	return &Error{
		Code:       Internal,
		Message:    fmt.Sprintf("backend returned %d: %s", statusCode, body),
		StatusCode: statusCode,
		Body:       body,
	}
}

// AsBackendUnavailable extracts the {statusCode, body} from err if it was
// produced by NewBackendUnavailable (StatusCode != 0).
func AsBackendUnavailable(err error) (statusCode int, body string, ok bool) {
	var inner *Error
	if !errors.As(err, &inner) || inner.StatusCode == 0 {
		return 0, "", false
	}
	return inner.StatusCode, inner.Body, true
}

// GetCode extracts the Code from err. It returns the empty Code if err is
// nil, and Unknown if err is not an *Error.
func GetCode(err error) Code {
	if err == nil {
		return ""
	}
	var inner *Error
	if !errors.As(err, &inner) {
		return Unknown
	}
	return inner.Code
}

// HTTPStatus maps a Code to the HTTP status the external surface (§6)
// should respond with.
func HTTPStatus(code Code) int {
	switch code {
	case NotFound:
		return 404
	case Conflict:
		return 409
	case BadRequest:
		return 400
	case SyncBlocked:
		return 409
	case Timeout:
		return 504
	case Internal:
		return 500
	default:
		return 500
	}
}
