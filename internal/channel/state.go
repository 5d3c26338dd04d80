package channel

// State is the channel connection state.
//
// Closed -> Connecting -> Connected <-> Disconnected, and Closed again as a
// terminal state once Close is called. A closed channel cannot be reopened;
// create a new instance instead.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "closed"
}
