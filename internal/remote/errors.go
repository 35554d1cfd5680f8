package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Start when the session is closed
	ErrNotConnected = errors.New("remote is not connected")
	// ErrEmptyCommand is returned by Start when args is empty
	ErrEmptyCommand = errors.New("empty command")
	// ErrReadTimeout is what a Channel returns when no data is available
	// yet. It is never an error for the poll loop
	ErrReadTimeout = errors.New("read timeout")
)

// ConnectionError is returned when a Remote cannot be established
type ConnectionError struct {
	Remote string
	Addr   string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect remote %q at %s: %v", e.Remote, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DeliveryError reports an observer callback that returned an error or
// panicked
type DeliveryError struct {
	Remote    string
	ProcessID string
	Event     string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering %s event for %s@%s: %v", e.Event, e.ProcessID, e.Remote, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TransportIOError reports a channel operation that failed
type TransportIOError struct {
	Remote    string
	ProcessID string
	Op        string
	Err       error
}

func (e *TransportIOError) Error() string {
	if e.ProcessID == "" {
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Remote, e.Err)
	}
	return fmt.Sprintf("%s for %s@%s: %v", e.Op, e.ProcessID, e.Remote, e.Err)
}

func (e *TransportIOError) Unwrap() error {
	return e.Err
}
