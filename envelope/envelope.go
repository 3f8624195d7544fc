package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// defaultMessage is substituted when a controller omits the message field.
const defaultMessage = `"No message"`

// Envelope is one unit of traffic on the ICS bus.
type Envelope struct {
	// Instrument is the parsed identity of the originating or target subsystem.
	Instrument Instrument
	// Inst is the instrument tag exactly as it appeared on the wire.
	Inst string
	// Process is the lifecycle stage tag.
	Process Process
	// Message is the payload. Inbound it may be any JSON value; commands carry a string or
	// an object.
	Message json.RawMessage
	// ID is the optional correlation ID. Controllers that support it echo the ID of
	// the command they are answering.
	ID string
	// Raw is the original serialized form, kept for diagnostics. Empty for envelopes
	// built locally until Marshal is called.
	Raw []byte
}

// wireEnvelope is the JSON shape of an outbound envelope.
type wireEnvelope struct {
	Inst    *string         `json:"inst"`
	Process *string         `json:"process"`
	Message json.RawMessage `json:"message,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// Parse decodes and validates one inbound body.
//
// The inst and process keys must be present. A value that is not a string, including
// null, is kept as its raw JSON text: such an inst is Unrecognized and such a process is
// never the in-progress sentinel, so the envelope still routes to the default channel.
// message may be any JSON value; when it is absent or null it defaults to the text
// "No message". Any failure is returned as a *MalformedMessageError.
func Parse(body []byte) (*Envelope, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, newMalformed(body, "invalid json", err)
	}

	rawInst, ok := fields["inst"]
	if !ok {
		return nil, newMalformed(body, "missing 'inst' field", nil)
	}
	rawProcess, ok := fields["process"]
	if !ok {
		return nil, newMalformed(body, "missing 'process' field", nil)
	}

	inst := decodeTag(rawInst)
	process := decodeTag(rawProcess)

	var id string
	if rawID, ok := fields["id"]; ok {
		id = decodeTag(rawID)
	}

	message := bytes.TrimSpace(fields["message"])
	if len(message) == 0 || bytes.Equal(message, []byte("null")) {
		message = json.RawMessage(defaultMessage)
	}

	return &Envelope{
		Instrument: ParseInstrument(inst),
		Inst:       inst,
		Process:    Process(process),
		Message:    message,
		ID:         id,
		Raw:        body,
	}, nil
}

// decodeTag returns a string value as-is, null as "", and anything else as its JSON
// text.
func decodeTag(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var tag string
	if err := json.Unmarshal(raw, &tag); err != nil {
		return string(raw)
	}
	return tag
}

// New builds an outbound envelope. message may be a string, a json.RawMessage, or any
// value that marshals to a JSON object.
func New(inst Instrument, process Process, message interface{}) (*Envelope, error) {
	var encoded json.RawMessage
	switch value := message.(type) {
	case json.RawMessage:
		encoded = value
	default:
		var err error
		encoded, err = json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("error encoding message: %w", err)
		}
	}

	encoded = bytes.TrimSpace(encoded)
	if len(encoded) == 0 || (encoded[0] != '"' && encoded[0] != '{') {
		return nil, fmt.Errorf(
			"message must encode to a string or an object, got %s", encoded,
		)
	}

	return &Envelope{
		Instrument: inst,
		Inst:       inst.Tag(),
		Process:    process,
		Message:    encoded,
	}, nil
}

// Marshal encodes the envelope into its wire form and stores the result in Raw.
func (env *Envelope) Marshal() ([]byte, error) {
	inst := env.Inst
	if inst == "" {
		inst = env.Instrument.Tag()
	}
	process := string(env.Process)

	body, err := json.Marshal(wireEnvelope{
		Inst:    &inst,
		Process: &process,
		Message: env.Message,
		ID:      env.ID,
	})
	if err != nil {
		return nil, err
	}

	env.Raw = body
	return body, nil
}

// IsText reports whether the payload is a plain string.
func (env *Envelope) IsText() bool {
	return len(env.Message) > 0 && env.Message[0] == '"'
}

// Text returns the payload string. For object payloads it returns the compact JSON.
func (env *Envelope) Text() string {
	if !env.IsText() {
		return string(env.Message)
	}

	var text string
	if err := json.Unmarshal(env.Message, &text); err != nil {
		return string(env.Message)
	}
	return text
}

// Pretty returns the payload for display: text as-is, objects indented.
func (env *Envelope) Pretty() string {
	if env.IsText() {
		return env.Text()
	}

	indented := new(bytes.Buffer)
	if err := json.Indent(indented, env.Message, "", "  "); err != nil {
		return string(env.Message)
	}
	return indented.String()
}

// Fields decodes an object payload. It errors if the payload is plain text.
func (env *Envelope) Fields() (map[string]interface{}, error) {
	if env.IsText() {
		return nil, fmt.Errorf("message is text, not an object")
	}

	fields := make(map[string]interface{})
	if err := json.Unmarshal(env.Message, &fields); err != nil {
		return nil, fmt.Errorf("error decoding message object: %w", err)
	}
	return fields, nil
}

// Field returns a single top-level value of an object payload.
func (env *Envelope) Field(key string) (value interface{}, ok bool) {
	fields, err := env.Fields()
	if err != nil {
		return nil, false
	}
	value, ok = fields[key]
	return value, ok
}

// File returns the "file" field of an object payload, as reported by exposure
// commands. Empty when absent or not a string.
func (env *Envelope) File() string {
	value, ok := env.Field("file")
	if !ok {
		return ""
	}
	file, _ := value.(string)
	return file
}

// String implements fmt.Stringer.
func (env *Envelope) String() string {
	return fmt.Sprintf(
		"Envelope{Inst: %s, Process: %s, ID: %s, Message: %s}",
		env.Inst,
		env.Process,
		env.ID,
		env.Message,
	)
}
