package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the declared error class of a remote response.
type ErrorKind string

// Transient error kinds.
const (
	ErrTimeout     ErrorKind = "timeout"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrUnavailable ErrorKind = "unavailable"
	ErrLocked      ErrorKind = "locked"
)

// Non-transient error kinds.
const (
	ErrInvalid   ErrorKind = "invalid"
	ErrConflict  ErrorKind = "conflict"
	ErrNotFound  ErrorKind = "not_found"
	ErrForbidden ErrorKind = "forbidden"
	ErrUnknown   ErrorKind = "unknown"
)

// Transient reports whether a retry may succeed.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrTimeout, ErrRateLimited, ErrUnavailable, ErrLocked:
		return true
	default:
		return false
	}
}

// Error is a classified remote API error.
type Error struct {
	Kind    ErrorKind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the error kind of err, or ErrUnknown.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ErrUnknown
}

// IsTransient classifies err. Classified errors follow their kind; network
// timeouts are transient; everything else, including context expiry, is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind.Transient()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// IsNotFound reports whether err says the resource does not exist.
func IsNotFound(err error) bool {
	return KindOf(err) == ErrNotFound
}
