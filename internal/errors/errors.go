package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types for the chat session client
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNetworkFailure     = errors.New("network failure")
	ErrNotLoggedIn        = errors.New("not logged in")

	// Refresh errors. Terminal means the refresh token itself was rejected,
	// transient means the refresh endpoint could not be reached or failed.
	ErrRefreshTerminal  = errors.New("refresh token rejected")
	ErrRefreshTransient = errors.New("refresh failed")
	ErrNoRefreshToken   = errors.New("no refresh token")

	// Realtime channel errors
	ErrConnectFailed = errors.New("connect failed")
	ErrNotConnected  = errors.New("not connected")
	ErrInvokeFailed  = errors.New("invoke failed")
	ErrChannelClosed = errors.New("channel closed")

	// Chat errors
	ErrUpload = errors.New("upload failed")
	ErrSend   = errors.New("send failed")

	// General errors
	ErrInvalidResponse = errors.New("invalid response")
)

// StatusError is returned when a REST endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// IsStatus reports whether err carries a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Join wraps cause under a taxonomy sentinel so both match errors.Is.
func Join(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
