package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/guardianlink/guardianlink/internal/metrics"
	"github.com/guardianlink/guardianlink/internal/signal"
)

// Config wires a Channel's dependencies and reconnection policy.
type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	LocalRole signal.Role

	// TopicPrefix scopes all topics; the full topic for an envelope is
	// <prefix>/<channel>/<event>.
	TopicPrefix string

	// NewTransport constructs a fresh transport for each (re)connection.
	NewTransport func(creds Credentials) (Transport, error)

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMultiplier  float64
}

func (c Config) maxReconnectAttempts() int {
	if c.MaxReconnectAttempts <= 0 {
		return 5
	}
	return c.MaxReconnectAttempts
}

func (c Config) reconnectBaseDelay() time.Duration {
	if c.ReconnectBaseDelay <= 0 {
		return 500 * time.Millisecond
	}
	return c.ReconnectBaseDelay
}

func (c Config) reconnectMultiplier() float64 {
	if c.ReconnectMultiplier < 1 {
		return 2
	}
	return c.ReconnectMultiplier
}

// Channel is one relayed pub/sub connection scoped to a session channel
// name. All methods are safe for concurrent use. Publish never blocks the
// caller; failures are reported through the error handler.
type Channel struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	transport    Transport
	creds        Credentials
	channelName  string
	connected    bool
	connecting   bool
	reconnecting bool
	waiters      []chan error
	done         chan struct{}
	listener     func(signal.Envelope)
	onError      func(error)
}

func New(cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Channel{cfg: cfg, log: log}
}

// SetListener registers the single envelope listener, atomically replacing
// any previous one.
func (c *Channel) SetListener(fn func(signal.Envelope)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

// SetErrorHandler registers the callback notified of asynchronous failures:
// publish errors and terminal reconnect exhaustion.
func (c *Channel) SetErrorHandler(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Connect brings the channel up on channelName.
//
// Idempotent: connecting to the channel already active succeeds immediately.
// Connecting to a different channel tears the old transport down first; two
// transports never run concurrently. A Connect issued while another connect
// or a reconnection is in flight is coalesced: it performs no work of its
// own but still reports the in-flight attempt's eventual outcome.
func (c *Channel) Connect(ctx context.Context, creds Credentials, channelName string) error {
	c.mu.Lock()
	if c.connected && c.channelName == channelName {
		c.mu.Unlock()
		return nil
	}
	if c.connecting || c.reconnecting {
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Channel switch: fully tear down the old transport before dialing.
	old := c.transport
	c.transport = nil
	c.connected = false
	c.connecting = true
	c.creds = creds
	c.channelName = channelName
	if c.done == nil {
		c.done = make(chan struct{})
	}
	c.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	err := c.dial(ctx, creds, channelName)

	c.mu.Lock()
	c.connecting = false
	c.connected = err == nil
	c.notifyWaitersLocked(err)
	c.mu.Unlock()
	return err
}

// Disconnect unsubscribes, detaches and closes the transport. Safe to call
// multiple times and from any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.connected = false
	c.channelName = ""
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.notifyWaitersLocked(ErrNotConnected)
	c.mu.Unlock()

	if t != nil {
		t.Disconnect()
	}
}

// Publish serializes the envelope and sends it on the event topic derived
// from its kind (control commands route under their command name). Delivery
// is fire-and-forget; failures reach the error handler asynchronously.
func (c *Channel) Publish(env signal.Envelope) {
	go c.publish(env)
}

func (c *Channel) publish(env signal.Envelope) {
	payload, err := signal.Encode(env)
	if err != nil {
		c.reportError(fmt.Errorf("encode %s envelope: %w", env.Kind, err))
		return
	}
	if len(payload) > signal.MaxEncodedBytes {
		// Best effort: no chunking, send anyway.
		c.cfg.Metrics.Inc(metrics.SignalingOversized)
		c.log.Warn("signaling message exceeds size cap",
			"event", env.Event(), "bytes", len(payload), "cap", signal.MaxEncodedBytes)
	}

	c.mu.Lock()
	t := c.transport
	channelName := c.channelName
	c.mu.Unlock()
	if t == nil {
		c.cfg.Metrics.Inc(metrics.SignalingPublishFailed)
		c.reportError(fmt.Errorf("publish %s: %w", env.Event(), ErrNotConnected))
		return
	}

	if err := t.Publish(c.topic(channelName, env.Event()), payload); err != nil {
		c.cfg.Metrics.Inc(metrics.SignalingPublishFailed)
		c.reportError(fmt.Errorf("publish %s: %w", env.Event(), err))
	}
}

func (c *Channel) topic(channelName, event string) string {
	return c.cfg.TopicPrefix + "/" + channelName + "/" + event
}

func (c *Channel) dial(ctx context.Context, creds Credentials, channelName string) error {
	t, err := c.cfg.NewTransport(creds)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	t.SetStatusHandler(func(status Status, cause error) {
		c.handleStatus(t, status, cause)
	})
	if err := t.Connect(ctx); err != nil {
		t.Disconnect()
		return err
	}
	if err := t.Subscribe(c.topic(channelName, "+"), c.handleMessage); err != nil {
		t.Disconnect()
		return err
	}

	c.mu.Lock()
	stale := c.done == nil
	if !stale {
		c.transport = t
	}
	c.mu.Unlock()
	if stale {
		// Disconnected while dialing: the finished dial must not resurrect
		// the channel.
		t.Disconnect()
		return ErrNotConnected
	}
	return nil
}

func (c *Channel) handleMessage(topic string, payload []byte) {
	env, err := signal.Decode(payload)
	if err != nil {
		c.log.Warn("dropping undecodable signaling message", "topic", topic, "err", err)
		return
	}
	if env.Sender == c.cfg.LocalRole {
		c.cfg.Metrics.Inc(metrics.SignalingEchoDropped)
		return
	}

	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		listener(env)
	}
}

func (c *Channel) handleStatus(t Transport, status Status, cause error) {
	c.mu.Lock()
	if c.transport != t {
		// Stale transport from a previous attempt.
		c.mu.Unlock()
		return
	}
	switch status {
	case StatusConnected:
		c.mu.Unlock()
		return
	case StatusSuspended:
		c.mu.Unlock()
		c.log.Warn("signaling transport suspended, awaiting recovery", "err", cause)
		return
	}

	// Disconnected or failed: drop the dead transport and reconnect unless
	// one is already in flight or the channel was deliberately shut down.
	c.transport = nil
	c.connected = false
	channelName := c.channelName
	creds := c.creds
	done := c.done
	start := !c.reconnecting && !c.connecting && done != nil
	if start {
		c.reconnecting = true
	}
	c.mu.Unlock()

	t.Disconnect()
	c.log.Warn("signaling transport lost", "status", status.String(), "err", cause)
	if start {
		go c.reconnectLoop(creds, channelName, done)
	}
}

// reconnectLoop retries the connection up to the configured attempt budget,
// delaying base*multiplier^(attempt-1) before each try. Exactly one loop
// runs at a time.
func (c *Channel) reconnectLoop(creds Credentials, channelName string, done <-chan struct{}) {
	maxAttempts := c.cfg.maxReconnectAttempts()
	base := c.cfg.reconnectBaseDelay()
	mult := c.cfg.reconnectMultiplier()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
		select {
		case <-done:
			c.finishReconnect(ErrNotConnected, false)
			return
		case <-time.After(delay):
		}

		err := c.dial(context.Background(), creds, channelName)
		if err == nil {
			c.log.Info("signaling reconnected", "channel", channelName, "attempt", attempt)
			c.cfg.Metrics.Inc(metrics.SignalingReconnect)
			c.finishReconnect(nil, false)
			return
		}
		lastErr = err
		c.cfg.Metrics.Inc(metrics.SignalingReconnectFailed)
		c.log.Warn("signaling reconnect attempt failed",
			"channel", channelName, "attempt", attempt, "max_attempts", maxAttempts, "err", err)
	}

	err := fmt.Errorf("%w: last error: %v", ErrMaxRetriesExceeded, lastErr)
	c.finishReconnect(err, true)
}

func (c *Channel) finishReconnect(err error, terminal bool) {
	c.mu.Lock()
	c.reconnecting = false
	c.connected = err == nil
	c.notifyWaitersLocked(err)
	c.mu.Unlock()
	if terminal {
		c.reportError(err)
	}
}

func (c *Channel) notifyWaitersLocked(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func (c *Channel) reportError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	} else {
		c.log.Error("signaling error", "err", err)
	}
}
