package stt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind categorises transcription failures.
type Kind int

const (
	// KindTransient covers network errors, timeouts, rate limits and server
	// errors. The request can be retried later.
	KindTransient Kind = iota + 1

	// KindAuth covers rejected credentials and permission errors. Retrying
	// cannot succeed.
	KindAuth

	// KindEmptyResponse means the backend answered but returned no text.
	KindEmptyResponse

	// KindInvalid covers requests the backend can never accept, such as
	// unsupported audio.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindEmptyResponse:
		return "empty_response"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Sentinel errors matched by *Error through errors.Is.
var (
	ErrTransient     = errors.New("stt: transient failure")
	ErrAuth          = errors.New("stt: authorization failed")
	ErrEmptyResponse = errors.New("stt: empty response")
	ErrInvalid       = errors.New("stt: invalid request")
)

// Error is a categorised transcription failure.
type Error struct {
	Provider string
	Kind     Kind
	Message  string
	Cause    error
}

// NewError returns an *Error.
func NewError(provider string, kind Kind, message string, cause error) *Error {
	return &Error{Provider: provider, Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrEmptyResponse:
		return e.Kind == KindEmptyResponse
	case ErrInvalid:
		return e.Kind == KindInvalid
	}
	return false
}

// KindOf reports the Kind of err. Errors that are not an *Error are
// classified heuristically: network errors and deadline expiry are
// transient, anything else is invalid. Cancellation returns 0.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindInvalid
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindEmptyResponse
}

// Classify maps an HTTP status code from a transcription backend to a Kind.
func Classify(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

// HTTPError builds an *Error for a non-2xx response.
func HTTPError(provider string, status int, body string) *Error {
	msg := fmt.Sprintf("HTTP %d", status)
	if body = strings.TrimSpace(body); body != "" {
		if len(body) > 200 {
			body = body[:200]
		}
		msg += " " + body
	}
	return NewError(provider, Classify(status), msg, nil)
}
