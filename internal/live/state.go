package live

// State is the aggregate connection state published to callers.
type State int

const (
	// StateConnecting is the initial dial + handshake phase.
	StateConnecting State = iota
	// StateOpened means the watch session and message channel are live.
	StateOpened
	// StateReconnecting means a recoverable failure occurred and the
	// client is rebuilding the connection.
	StateReconnecting
	// StateDisconnected is terminal: caller close, program end, or an
	// errorful server disconnect.
	StateDisconnected
	// StateReconnectFailed is terminal: the retry budget ran out.
	StateReconnectFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpened:
		return "opened"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateReconnectFailed:
		return "reconnect_failed"
	}
	return "unknown"
}
