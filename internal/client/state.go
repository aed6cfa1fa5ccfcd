package client

// State is the lifecycle of one Session.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateHandshaking
	StateRelaying
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// canTransition lists the forward edges of the lifecycle. Any non-terminal
// state may end in Closed or Failed.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateClosed, StateFailed:
		return true
	case StateConnecting:
		return from == StateCreated
	case StateHandshaking:
		return from == StateConnecting
	case StateRelaying:
		return from == StateHandshaking
	default:
		return false
	}
}

// transportState mirrors the progress of the underlying connection.
type transportState int

const (
	transportSetup transportState = iota
	transportWaiting
	transportPreparing
	transportReady
	transportFailed
	transportCancelled
)

func (t transportState) String() string {
	switch t {
	case transportSetup:
		return "setup"
	case transportWaiting:
		return "waiting"
	case transportPreparing:
		return "preparing"
	case transportReady:
		return "ready"
	case transportFailed:
		return "failed"
	case transportCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
