package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by every operation once Close has been called. It is
	// permanent: the session cannot be reopened.
	ErrSessionClosed = errors.New("broker session closed")
	// ErrNotConnected is returned when an operation needs a live connection and
	// Connect has not succeeded yet.
	ErrNotConnected = errors.New("broker session not connected")
	// ErrPublisherUndefined is returned by Send before DefinePublisher.
	ErrPublisherUndefined = errors.New("publisher topology not defined")
	// ErrConsumerUndefined is returned by ReceiveNext before DefineConsumer.
	ErrConsumerUndefined = errors.New("consumer topology not defined")

	errDeliveriesClosed = errors.New("delivery channel closed by broker")
)

// ConnectionError is returned when the broker is unreachable, rejects our credentials,
// or refuses the exchange / queue topology.
type ConnectionError struct {
	// Op is the step that failed: "dial", "open channel", "declare exchange", etc.
	Op string
	// Addr is the broker host and port. Credentials are never included.
	Addr string
	// Err is the underlying error.
	Err error
}

// Unwrap returns the underlying error.
func (err *ConnectionError) Unwrap() error {
	return err.Err
}

// Error implements builtins.error.
func (err *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection error during %v (%v): %v", err.Op, err.Addr, err.Err)
}

// TransportError is returned when a send or receive fails on an established session,
// usually because the socket dropped. The session is left in StateDegraded.
type TransportError struct {
	Op  string
	Err error
}

// Unwrap returns the underlying error.
func (err *TransportError) Unwrap() error {
	return err.Err
}

// Error implements builtins.error.
func (err *TransportError) Error() string {
	return fmt.Sprintf("broker transport error during %v: %v", err.Op, err.Err)
}

// IsTransient reports whether err is a failure that may clear up after a reconnect.
// ErrSessionClosed and topology misuse are permanent.
func IsTransient(err error) bool {
	var transportErr *TransportError
	var connErr *ConnectionError
	return errors.As(err, &transportErr) || errors.As(err, &connErr)
}
