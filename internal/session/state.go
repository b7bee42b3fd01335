package session

// State is the authoritative connection state of one orchestrated session.
// It is owned exclusively by the Orchestrator; every other component reports
// events and never mutates it directly.
type State int

const (
	StateIdle State = iota
	StateAcquiringRelayCredentials
	StateSignalingConnecting
	StateSignalingConnected
	StateAwaitingRemoteOffer
	StateNegotiating
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringRelayCredentials:
		return "acquiring_relay_credentials"
	case StateSignalingConnecting:
		return "signaling_connecting"
	case StateSignalingConnected:
		return "signaling_connected"
	case StateAwaitingRemoteOffer:
		return "awaiting_remote_offer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
