package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrDeclined       = errors.New("payment declined")
	ErrTransient      = errors.New("transient gateway failure")
	ErrTimeout        = errors.New("gateway call timed out")
	ErrIntentNotFound = errors.New("intent not found")
)

// Error carries the processor's own code and message. Err is one of the
// package sentinels so callers can branch with errors.Is.
type Error struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s (%s)", e.Op, msg, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a call may be repeated with the same key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsUnknownOutcome reports whether the processor may have applied the call.
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// classifyTransport maps client-side failures onto the sentinels.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Message: err.Error(), Err: ErrTimeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Op: op, Message: err.Error(), Err: ErrTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Op: op, Message: err.Error(), Err: ErrTransient}
}

func classifyStatus(op string, status int, code, message string) error {
	var sentinel error
	switch {
	case status == 402 || status == 422:
		sentinel = ErrDeclined
	case status == 404:
		sentinel = ErrIntentNotFound
	case status == 408 || status == 504:
		sentinel = ErrTimeout
	case status == 429 || status >= 500:
		sentinel = ErrTransient
	default:
		sentinel = ErrDeclined
	}
	if message == "" {
		message = fmt.Sprintf("http %d", status)
	}
	return &Error{Op: op, Code: code, Message: message, StatusCode: status, Err: sentinel}
}
