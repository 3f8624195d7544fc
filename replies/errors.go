package replies

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by awaits and pushes once the Set is closed.
	ErrClosed = errors.New("reply channel closed")
	// ErrUnknownInstrument is returned when awaiting the progress channel of an
	// instrument that has none.
	ErrUnknownInstrument = errors.New("instrument has no progress channel")
	// ErrDuplicateID is returned by Expect when a waiter for the ID already exists.
	ErrDuplicateID = errors.New("correlation id already expected")
)

// TimeoutError is returned when an await gives up because its context ended before an
// envelope arrived. It is distinct from a transport failure: the broker may be fine and
// the subsystem simply slow.
type TimeoutError struct {
	// Channel names what was awaited: a route name or "ID:<correlation id>".
	Channel string
	// Err is the context error.
	Err error
}

// Unwrap returns the context error, so errors.Is(err, context.DeadlineExceeded) holds
// for deadline timeouts.
func (err *TimeoutError) Unwrap() error {
	return err.Err
}

// Error implements builtins.error.
func (err *TimeoutError) Error() string {
	return fmt.Sprintf("timed out awaiting reply on %v: %v", err.Channel, err.Err)
}
