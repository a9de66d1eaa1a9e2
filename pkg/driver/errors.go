package driver

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable   = errors.New("browser runtime unavailable")
	ErrDriverClosed  = errors.New("driver closed")
	ErrCrashed       = errors.New("browser process crashed")
	ErrStartupFailed = errors.New("browser startup failed")
	ErrWaitTimeout   = errors.New("wait condition timeout")
	ErrNotFound      = errors.New("element not found")
)

// Error wraps adapter failures with a protocol-level code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("driver error [%s]: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError wraps an adapter error with protocol context.
func WrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// IsCrash reports whether the error indicates a dead process or lost
// connection. A crashed driver must never go back into rotation.
func IsCrash(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCrashed) || errors.Is(err, ErrDriverClosed) {
		return true
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code == "crashed" || de.Code == "connection_lost"
	}
	return false
}

// IsRetryable reports whether the operation might succeed on retry against
// the same driver.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCrash(err) {
		return false
	}
	if errors.Is(err, ErrWaitTimeout) || errors.Is(err, ErrNotFound) {
		return true
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code == "timeout" || de.Code == "not_found"
	}
	return false
}
