package monitor

// State is the connection state of a Monitor.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Reconnecting
	Shutdown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Subscribed:
		return "SUBSCRIBED"
	case Reconnecting:
		return "RECONNECTING"
	case Shutdown:
		return "SHUTDOWN"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CanPublish reports whether commands may be sent in s.
func (s State) CanPublish() bool {
	return s == Connected || s == Subscribed
}

// active states are those in which Start is a no-op.
func (s State) active() bool {
	switch s {
	case Connecting, Connected, Subscribed, Reconnecting:
		return true
	}
	return false
}
