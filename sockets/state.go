package sockets

// ConnState is the connection half of the session state. Authentication
// is tracked alongside it but never diverges: a session that reaches
// StateConnected is authenticated by construction.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
