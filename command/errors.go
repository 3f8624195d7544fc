package command

import (
	"errors"
	"fmt"

	"github.com/peake100/icsconsole-go/envelope"
)

// ErrProducerStopped is returned when a command is issued after the producer has shut
// down, or while it is shutting down.
var ErrProducerStopped = errors.New("command producer stopped")

// ErrPublish is the error returned when handing a command to the broker session fails.
type ErrPublish struct {
	// Key is the routing key the command was sent with.
	Key string
	// SessionErr is the original session error.
	SessionErr error
}

// Unwrap implements xerrors.Wrapper and returns the original session error.
func (err ErrPublish) Unwrap() error {
	return err.SessionErr
}

// Error implements builtins.error.
func (err ErrPublish) Error() string {
	return fmt.Sprintf("error publishing command to '%v': %v", err.Key, err.SessionErr)
}

// ErrUnroutable is returned when a command names an instrument with no routing key.
type ErrUnroutable struct {
	Instrument envelope.Instrument
}

// Error implements builtins.error.
func (err ErrUnroutable) Error() string {
	return fmt.Sprintf("cannot route command to instrument %v", err.Instrument)
}
