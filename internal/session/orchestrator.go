// Package session contains the top-level driver of one monitoring session:
// a state machine that provisions relay credentials, brings up the signaling
// channel, drives the negotiation engine through offer/answer/candidate
// exchange, watches for stalls, and guarantees exactly-once teardown of
// everything it acquired.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/guardianlink/guardianlink/internal/iceservers"
	"github.com/guardianlink/guardianlink/internal/metrics"
	"github.com/guardianlink/guardianlink/internal/peer"
	"github.com/guardianlink/guardianlink/internal/signal"
	"github.com/guardianlink/guardianlink/internal/signaling"
)

var (
	// ErrBusy reports a Start while an attempt is already in progress.
	// Starts are rejected, not queued.
	ErrBusy = errors.New("session: start rejected, attempt in progress")
	// ErrOfferTimeout reports a watchdog expiry: the peer never produced the
	// expected description within the configured window.
	ErrOfferTimeout = errors.New("session: timed out waiting for peer")
)

// Channel is the signaling surface the orchestrator drives.
type Channel interface {
	Connect(ctx context.Context, creds signaling.Credentials, channelName string) error
	Publish(env signal.Envelope)
	SetListener(fn func(signal.Envelope))
	SetErrorHandler(fn func(error))
	Disconnect()
}

// ServerProvider resolves the ICE server set for one attempt.
type ServerProvider interface {
	Resolve(ctx context.Context, creds iceservers.Credentials) []webrtc.ICEServer
}

// Engine is the negotiation engine for one attempt. Engines are single-use:
// a fresh one is constructed per attempt and never revived after Close.
type Engine interface {
	Create(servers []webrtc.ICEServer) error
	ApplyRemoteOffer(sdp string) error
	ApplyRemoteAnswer(sdp string) error
	AddRemoteCandidate(c signal.CandidateData) error
	ProduceOffer() error
	Close()
}

// Credentials carries everything a session attempt needs to authenticate.
type Credentials struct {
	Signaling signaling.Credentials
	Token     iceservers.Credentials
}

// Callbacks surface session events to the presentation layer.
type Callbacks struct {
	OnStateChange      func(state State, reason error)
	OnRemoteAudioTrack func(track *webrtc.TrackRemote)
	OnRemoteVideoTrack func(track *webrtc.TrackRemote)
	// OnControl receives command and confirmation envelopes; interpretation
	// is left to the caller.
	OnControl func(env signal.Envelope)
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Role  signal.Role
	Video bool

	Channel  Channel
	Provider ServerProvider

	// NewEngine constructs the per-attempt negotiation engine. Nil selects
	// the pion-backed engine.
	NewEngine func(cb peer.Callbacks) Engine

	// OfferTimeout is the watchdog window after signaling connects.
	OfferTimeout time.Duration
	// RetryDelay precedes the single automatic restart after a failure.
	RetryDelay time.Duration
	// StartCooldown delays starts issued too soon after the previous one.
	StartCooldown time.Duration

	Callbacks Callbacks
}

func (c Config) offerTimeout() time.Duration {
	if c.OfferTimeout <= 0 {
		return 30 * time.Second
	}
	return c.OfferTimeout
}

func (c Config) retryDelay() time.Duration {
	if c.RetryDelay <= 0 {
		return 5 * time.Second
	}
	return c.RetryDelay
}

func (c Config) startCooldown() time.Duration {
	if c.StartCooldown <= 0 {
		return 2 * time.Second
	}
	return c.StartCooldown
}

// Orchestrator drives one session at a time. All mutable session state lives
// behind one mutex; timer and I/O callbacks carry the generation of the
// attempt that armed them, so completions belonging to a torn-down attempt
// are no-ops instead of resurrecting dead sessions.
type Orchestrator struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	state         State
	gen           uint64
	creds         *Credentials
	peerID        string
	engine        Engine
	watchdog      *time.Timer
	retryTimer    *time.Timer
	cooldownTimer *time.Timer
	lastStart     time.Time
	cleaned       bool
	retried       bool
}

func NewOrchestrator(cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		cfg:     cfg,
		log:     log,
		state:   StateIdle,
		cleaned: true,
	}
	if o.cfg.NewEngine == nil {
		o.cfg.NewEngine = func(cb peer.Callbacks) Engine {
			return peer.NewEngine(peer.Config{
				Logger:    log,
				Metrics:   cfg.Metrics,
				Role:      cfg.Role,
				Video:     cfg.Video,
				Callbacks: cb,
			})
		}
	}
	return o
}

// State returns the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start begins a session attempt toward peerID. It returns immediately; the
// outcome arrives through OnStateChange. Rejected with ErrBusy unless Idle
// or Failed. A Start within the cooldown window of the previous one is
// delayed until the window elapses, not rejected.
func (o *Orchestrator) Start(creds Credentials, peerID string) error {
	return o.start(creds, peerID, false)
}

func (o *Orchestrator) start(creds Credentials, peerID string, isRetry bool) error {
	o.mu.Lock()
	if o.state != StateIdle && o.state != StateFailed {
		o.mu.Unlock()
		return ErrBusy
	}
	if !isRetry {
		o.retried = false
	}
	if wait := o.cfg.startCooldown() - time.Since(o.lastStart); wait > 0 && !o.lastStart.IsZero() {
		if o.cooldownTimer != nil {
			o.cooldownTimer.Stop()
		}
		o.cooldownTimer = time.AfterFunc(wait, func() {
			if err := o.start(creds, peerID, isRetry); err != nil {
				o.log.Warn("delayed start rejected", "err", err)
			}
		})
		o.mu.Unlock()
		return nil
	}
	o.gen++
	gen := o.gen
	needCleanup := !o.cleaned
	o.mu.Unlock()

	if needCleanup {
		// Leftover subscriptions or sessions from an aborted attempt would
		// deliver stale messages into this one; clean before starting.
		o.teardown()
	}

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return ErrBusy
	}
	o.creds = &creds
	o.peerID = peerID
	o.cleaned = false
	o.lastStart = time.Now()
	o.state = StateAcquiringRelayCredentials
	o.mu.Unlock()
	o.emit(StateAcquiringRelayCredentials, nil)

	go o.establish(gen, creds, peerID)
	return nil
}

// Stop tears the session down from any state. Safe to call repeatedly and
// concurrently with any other trigger; teardown work runs exactly once per
// attempt.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.gen++ // in-flight async completions become no-ops
	o.creds = nil
	o.retried = false
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	if o.cooldownTimer != nil {
		o.cooldownTimer.Stop()
		o.cooldownTimer = nil
	}
	alreadyIdle := o.state == StateIdle
	if !alreadyIdle {
		o.state = StateDisconnecting
	}
	o.mu.Unlock()

	if alreadyIdle {
		o.teardown() // no-op when already clean
		return
	}
	o.emit(StateDisconnecting, nil)
	o.teardown()

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	o.emit(StateIdle, nil)
}

// SendCommand publishes a control command under its own name.
func (o *Orchestrator) SendCommand(name string) {
	o.publish(signal.Envelope{Kind: signal.KindControlCommand, Command: name})
}

// SendConfirmation publishes the outcome of a received control command.
func (o *Orchestrator) SendConfirmation(command string, status signal.Status, details string) {
	o.publish(signal.Envelope{
		Kind:    signal.KindControlConfirmation,
		Command: command,
		Status:  status,
		Details: details,
	})
}

func (o *Orchestrator) establish(gen uint64, creds Credentials, peerID string) {
	servers := o.cfg.Provider.Resolve(context.Background(), creds.Token)

	if !o.transition(gen, StateSignalingConnecting, nil) {
		return
	}
	ch := o.cfg.Channel
	ch.SetListener(func(env signal.Envelope) { o.handleEnvelope(gen, env) })
	ch.SetErrorHandler(func(err error) { o.handleChannelError(gen, err) })
	if err := ch.Connect(context.Background(), creds.Signaling, ChannelNameForPeer(peerID)); err != nil {
		o.fail(gen, fmt.Errorf("signaling connect: %w", err), false)
		return
	}
	if !o.transition(gen, StateSignalingConnected, nil) {
		return
	}

	engine := o.cfg.NewEngine(o.engineCallbacks(gen))
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		engine.Close()
		return
	}
	o.engine = engine
	o.mu.Unlock()

	if err := engine.Create(servers); err != nil {
		o.fail(gen, fmt.Errorf("create negotiation session: %w", err), false)
		return
	}

	o.armWatchdog(gen)
	if o.cfg.Role == signal.RoleKid {
		if !o.transition(gen, StateNegotiating, nil) {
			return
		}
		if err := engine.ProduceOffer(); err != nil {
			o.fail(gen, fmt.Errorf("produce offer: %w", err), false)
		}
		return
	}
	o.transition(gen, StateAwaitingRemoteOffer, nil)
}

func (o *Orchestrator) engineCallbacks(gen uint64) peer.Callbacks {
	return peer.Callbacks{
		OnLocalDescription: func(kind signal.Kind, sdp string) {
			o.publishFor(gen, signal.Envelope{Kind: kind, SDP: sdp})
		},
		OnLocalCandidate: func(c signal.CandidateData) {
			o.publishFor(gen, signal.Envelope{Kind: signal.KindIceCandidate, Candidate: &c})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			o.handleTransportState(gen, state)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				if fn := o.cfg.Callbacks.OnRemoteAudioTrack; fn != nil {
					fn(track)
				}
			case webrtc.RTPCodecTypeVideo:
				if fn := o.cfg.Callbacks.OnRemoteVideoTrack; fn != nil {
					fn(track)
				}
			}
		},
	}
}

func (o *Orchestrator) handleEnvelope(gen uint64, env signal.Envelope) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	engine := o.engine
	o.mu.Unlock()

	switch env.Kind {
	case signal.KindOffer:
		if o.cfg.Role != signal.RoleParent || engine == nil {
			return
		}
		// A renegotiation offer on an established session is answered in
		// place; the session stays Connected instead of regressing.
		o.disarmWatchdog()
		o.mu.Lock()
		connected := o.state == StateConnected
		o.mu.Unlock()
		if !connected {
			o.transition(gen, StateNegotiating, nil)
		}
		if err := engine.ApplyRemoteOffer(env.SDP); err != nil {
			if errors.Is(err, peer.ErrWrongState) {
				// Protocol violation from the peer: rejected locally, the
				// session continues.
				o.log.Warn("rejecting remote offer", "err", err)
				return
			}
			o.fail(gen, err, true)
		}
	case signal.KindAnswer:
		if o.cfg.Role != signal.RoleKid || engine == nil {
			return
		}
		o.disarmWatchdog()
		if err := engine.ApplyRemoteAnswer(env.SDP); err != nil {
			if errors.Is(err, peer.ErrWrongState) {
				o.log.Warn("rejecting remote answer", "err", err)
				return
			}
			o.fail(gen, err, true)
		}
	case signal.KindIceCandidate:
		if engine == nil || env.Candidate == nil {
			return
		}
		if err := engine.AddRemoteCandidate(*env.Candidate); err != nil {
			o.log.Warn("applying remote candidate", "err", err)
		}
	case signal.KindControlCommand, signal.KindControlConfirmation:
		if fn := o.cfg.Callbacks.OnControl; fn != nil {
			fn(env)
		}
	}
}

func (o *Orchestrator) handleTransportState(gen uint64, state webrtc.PeerConnectionState) {
	o.log.Debug("transport state", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		o.disarmWatchdog()
		o.mu.Lock()
		if gen == o.gen {
			o.retried = false
		}
		o.mu.Unlock()
		o.transition(gen, StateConnected, nil)
	case webrtc.PeerConnectionStateFailed:
		o.fail(gen, errors.New("media transport failed"), true)
	case webrtc.PeerConnectionStateDisconnected:
		// Often transient; ICE may still recover on its own.
		o.log.Warn("media transport disconnected")
	}
}

func (o *Orchestrator) handleChannelError(gen uint64, err error) {
	if errors.Is(err, signaling.ErrMaxRetriesExceeded) {
		o.fail(gen, err, true)
		return
	}
	// Publish failures are reported, not fatal; the envelope is simply lost
	// and the watchdog catches a dead exchange.
	o.log.Warn("signaling error", "err", err)
}

// publishFor stamps and publishes an envelope if the attempt is current.
func (o *Orchestrator) publishFor(gen uint64, env signal.Envelope) {
	o.mu.Lock()
	stale := gen != o.gen
	o.mu.Unlock()
	if stale {
		return
	}
	env.Sender = o.cfg.Role
	env.Timestamp = time.Now().UnixMilli()
	o.cfg.Channel.Publish(env)
}

func (o *Orchestrator) publish(env signal.Envelope) {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	o.publishFor(gen, env)
}

// armWatchdog starts the stalled-negotiation timer, replacing any previous
// instance. The timer carries the attempt generation so it can never fire
// into a later attempt.
func (o *Orchestrator) armWatchdog(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen {
		return
	}
	if o.watchdog != nil {
		o.watchdog.Stop()
	}
	o.watchdog = time.AfterFunc(o.cfg.offerTimeout(), func() {
		o.watchdogFired(gen)
	})
}

func (o *Orchestrator) disarmWatchdog() {
	o.mu.Lock()
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
	o.mu.Unlock()
}

func (o *Orchestrator) watchdogFired(gen uint64) {
	o.mu.Lock()
	if gen != o.gen || o.state == StateConnected {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.cfg.Metrics.Inc(metrics.WatchdogExpired)
	o.log.Warn("watchdog expired, peer stalled", "window", o.cfg.offerTimeout())
	o.fail(gen, ErrOfferTimeout, true)
}

// fail tears the attempt down and reports StateFailed. When retry is set and
// credentials are still held, exactly one automatic restart is scheduled.
func (o *Orchestrator) fail(gen uint64, cause error, retry bool) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.gen++ // invalidate remaining async work for this attempt
	failGen := o.gen
	creds := o.creds
	peerID := o.peerID
	canRetry := retry && creds != nil && !o.retried
	if canRetry {
		o.retried = true
	}
	o.state = StateDisconnecting
	o.mu.Unlock()

	o.emit(StateDisconnecting, cause)
	o.teardown()

	o.mu.Lock()
	if failGen != o.gen {
		// Stop or a fresh Start took over while teardown ran; it owns the
		// final state now, and this failure must not resurrect anything.
		o.mu.Unlock()
		return
	}
	o.state = StateFailed
	o.mu.Unlock()
	o.emit(StateFailed, cause)

	if canRetry {
		o.mu.Lock()
		if failGen != o.gen {
			o.mu.Unlock()
			return
		}
		o.cfg.Metrics.Inc(metrics.AutoRetry)
		o.log.Info("scheduling automatic restart", "delay", o.cfg.retryDelay())
		if o.retryTimer != nil {
			o.retryTimer.Stop()
		}
		o.retryTimer = time.AfterFunc(o.cfg.retryDelay(), func() {
			o.mu.Lock()
			stale := failGen != o.gen
			o.mu.Unlock()
			if stale {
				return
			}
			if err := o.start(*creds, peerID, true); err != nil {
				o.log.Warn("automatic restart rejected", "err", err)
			}
		})
		o.mu.Unlock()
	}
}

// teardown releases every attempt-scoped resource: watchdog, signaling
// subscription and transport, negotiation session. Each step runs whether or
// not the previous one succeeded. Exactly once per attempt; repeats no-op.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	if o.cleaned {
		o.mu.Unlock()
		return
	}
	o.cleaned = true
	watchdog := o.watchdog
	o.watchdog = nil
	engine := o.engine
	o.engine = nil
	o.mu.Unlock()

	o.cfg.Metrics.Inc(metrics.TeardownRun)
	if watchdog != nil {
		watchdog.Stop()
	}
	o.cfg.Channel.SetListener(nil)
	o.cfg.Channel.Disconnect()
	if engine != nil {
		engine.Close()
	}
}

func (o *Orchestrator) transition(gen uint64, state State, reason error) bool {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return false
	}
	if o.state == state {
		o.mu.Unlock()
		return true
	}
	o.state = state
	o.mu.Unlock()
	o.emit(state, reason)
	return true
}

func (o *Orchestrator) emit(state State, reason error) {
	if reason != nil {
		o.log.Info("session state", "state", state.String(), "reason", reason)
	} else {
		o.log.Info("session state", "state", state.String())
	}
	if fn := o.cfg.Callbacks.OnStateChange; fn != nil {
		fn(state, reason)
	}
}

// ChannelNameForPeer derives the signaling channel name deterministically
// from the peer's device id, sanitized for topic use.
func ChannelNameForPeer(peerID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '-'
		default:
			return r
		}
	}, peerID)
	return "sess-" + sanitized
}
