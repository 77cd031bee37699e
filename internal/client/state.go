package client

// State is the lifecycle state of a Client
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateReady          State = "ready"
	StateDisconnecting  State = "disconnecting"
	StateReconnecting   State = "reconnecting"
	StateError          State = "error"
)

// canConnect reports whether Connect may start from s
func (s State) canConnect() bool {
	return s == StateDisconnected || s == StateError
}
