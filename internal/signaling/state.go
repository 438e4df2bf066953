package signaling

type State int

const (
	StateConnected State = iota
	StateAwaitingNegotiation
	StateRegistered
	StateDone
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingNegotiation:
		return "awaiting_negotiation"
	case StateRegistered:
		return "registered"
	case StateDone:
		return "done"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
