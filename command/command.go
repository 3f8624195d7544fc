package command

import (
	"github.com/peake100/icsconsole-go/envelope"
)

// Command is one instruction for an instrument controller.
type Command struct {
	// Instrument is the controller the command is for. Its wire tag is the routing key.
	Instrument envelope.Instrument
	// Text is the command line, for example "getobj 3 1".
	Text string
	// Args, when set, turn the message into an object. Text is sent alongside them under
	// the "command" key.
	Args map[string]interface{}
}

// Ticket identifies an issued command.
type Ticket struct {
	// ID is the correlation ID sent with the command.
	ID string
	// Instrument is the controller the command was sent to.
	Instrument envelope.Instrument
	// Key is the routing key the command was published with.
	Key string
}

// Key returns the routing key for cmd.
func (cmd Command) Key() (string, error) {
	if !cmd.Instrument.IsKnown() {
		return "", ErrUnroutable{Instrument: cmd.Instrument}
	}
	return cmd.Instrument.Tag(), nil
}

// Envelope builds the START envelope for cmd, tagged with id.
func (cmd Command) Envelope(id string) (*envelope.Envelope, error) {
	var message interface{} = cmd.Text
	if len(cmd.Args) > 0 {
		fields := make(map[string]interface{}, len(cmd.Args)+1)
		for key, value := range cmd.Args {
			fields[key] = value
		}
		if cmd.Text != "" {
			fields["command"] = cmd.Text
		}
		message = fields
	}

	env, err := envelope.New(cmd.Instrument, envelope.ProcessStart, message)
	if err != nil {
		return nil, err
	}
	env.ID = id
	return env, nil
}
