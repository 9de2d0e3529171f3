package chatsync

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned when a command is written without a live socket.
var ErrNotConnected = &TransientNetworkError{Op: "send", Err: errors.New("not connected")}

// AuthError is terminal for a session: the credentials were rejected and
// the caller must re-authenticate before connecting again.
type AuthError struct {
	StatusCode int
	Reason     string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chatsync: authentication rejected (%d): %s", e.StatusCode, e.Reason)
	}
	return "chatsync: authentication rejected: " + e.Reason
}

// TransientNetworkError is a connection drop, timeout or server-side
// failure that is retried with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return "chatsync: " + e.Op + ": " + e.Err.Error()
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ValidationError describes a malformed inbound event. Such events are
// dropped and never reach the store.
type ValidationError struct {
	Event  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chatsync: invalid %s event: %s", e.Event, e.Reason)
}

// SendFailure is a per-message delivery failure. It moves the message to
// FAILED and affects nothing else.
type SendFailure struct {
	TempID string
	Reason string
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("chatsync: send %s failed: %s", e.TempID, e.Reason)
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is or wraps a *TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

func transient(op string, err error) error {
	return &TransientNetworkError{Op: op, Err: err}
}

func invalid(event, format string, args ...interface{}) error {
	return &ValidationError{Event: event, Reason: fmt.Sprintf(format, args...)}
}
