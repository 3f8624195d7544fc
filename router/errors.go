package router

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("router already running")

// DegradedError is returned by Run when receive attempts kept failing with transport
// errors until the retry budget ran out.
type DegradedError struct {
	// Attempts is the retry budget that was spent.
	Attempts uint
	// Err is the last transport error.
	Err error
}

// Unwrap returns the last transport error.
func (err *DegradedError) Unwrap() error {
	return err.Err
}

// Error implements builtins.error.
func (err *DegradedError) Error() string {
	return fmt.Sprintf(
		"response router degraded after %v receive attempts: %v", err.Attempts, err.Err,
	)
}
