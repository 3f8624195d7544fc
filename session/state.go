package session

// State is the lifecycle state of a Session.
type State int

const (
	// StateDisconnected is the state of a new session before Connect succeeds.
	StateDisconnected State = iota
	// StateConnected means the connection and both channels are live.
	StateConnected
	// StateDegraded means the connection dropped mid-session. Sends and receives fail
	// with a TransportError until Reconnect succeeds.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (state State) String() string {
	switch state {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
