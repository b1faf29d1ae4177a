package session

// State is the connection state of a session. A session starts
// disconnected, passes through connecting on Open, and flips between
// connected and reconnecting for as long as it lives. It ends up
// disconnected again after Close, an authentication rejection, or an
// exhausted reconnect cycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}
