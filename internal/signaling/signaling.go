// Package signaling maintains the relayed pub/sub channel two devices use to
// negotiate a session. The channel owns reconnection with bounded exponential
// backoff, delivers decoded envelopes to a single listener, and filters
// self-originated echoes before they reach it.
package signaling

import (
	"context"
	"errors"
)

var (
	// ErrInit reports that the underlying transport could not be constructed.
	ErrInit = errors.New("signaling: transport init failed")
	// ErrMaxRetriesExceeded reports that reconnection attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("signaling: max reconnect attempts exceeded")
	// ErrNotConnected reports a publish attempted without a live transport.
	ErrNotConnected = errors.New("signaling: not connected")
)

// Status is the coarse connection state reported by a Transport.
type Status int

const (
	StatusConnected Status = iota
	// StatusSuspended means the transport lost connectivity but promises
	// eventual recovery on its own. Transient: it neither counts as a
	// failure nor resets the reconnect attempt counter.
	StatusSuspended
	StatusDisconnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusSuspended:
		return "suspended"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is one raw pub/sub connection to the relay. Production uses MQTT
// (NewMQTTTransport); local development uses the WebSocket dev relay
// (NewRelayTransport). A Transport is single-use: after Disconnect it is
// never reconnected, the Channel constructs a fresh one instead.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Subscribe(filter string, handler func(topic string, payload []byte)) error
	Disconnect()
	// SetStatusHandler registers the connection status callback. Must be
	// called before Connect.
	SetStatusHandler(fn func(Status, error))
}

// Credentials authenticates the transport against the relay.
type Credentials struct {
	Username string
	Password string
}
