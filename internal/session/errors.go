package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected signals a contract violation: an operation that
	// requires a live link was called on a disconnected session.
	ErrNotConnected = errors.New("session is not connected")

	// ErrConnectionLost distinguishes structural link loss from transient
	// operation failures; the supervisor breaks its polling loop on it.
	ErrConnectionLost = errors.New("session connection lost")

	// ErrInvalidMetadata rejects non-encodable session metadata before any
	// radio work starts.
	ErrInvalidMetadata = errors.New("session metadata is not encodable")
)

// ConnectError wraps the underlying cause of a failed connect attempt. The
// session never retries; retry policy belongs to the supervisor.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
