package envelope

import "fmt"

// MalformedMessageError is returned by Parse when an inbound body is not valid JSON or
// lacks a required field. The router logs these and drops the message.
type MalformedMessageError struct {
	// Reason is a short description of what was wrong with the body.
	Reason string
	// Raw is the body that failed to parse.
	Raw []byte
	// Err is the underlying decode error, if any.
	Err error
}

// Unwrap returns the underlying decode error.
func (err *MalformedMessageError) Unwrap() error {
	return err.Err
}

// Error implements builtins.error.
func (err *MalformedMessageError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("malformed message: %v: %v", err.Reason, err.Err)
	}
	return fmt.Sprintf("malformed message: %v", err.Reason)
}

func newMalformed(raw []byte, reason string, cause error) error {
	return &MalformedMessageError{
		Reason: reason,
		Raw:    raw,
		Err:    cause,
	}
}
