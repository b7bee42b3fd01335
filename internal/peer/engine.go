// Package peer owns the local negotiation session: a pion PeerConnection
// plus a per-round state machine that makes "answer already sent" and
// "wrong-state description" explicit predicates instead of scattered flags.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/guardianlink/guardianlink/internal/metrics"
	"github.com/guardianlink/guardianlink/internal/signal"
)

var (
	// ErrWrongState reports a description applied in a negotiation state
	// that forbids it. The underlying session is left untouched.
	ErrWrongState = errors.New("peer: wrong negotiation state")
	// ErrNoSession reports an operation requiring a session when none exists.
	ErrNoSession = errors.New("peer: no session")
	// ErrWrongRole reports offer production from the answering side.
	ErrWrongRole = errors.New("peer: only the controlled endpoint produces offers")
	// ErrClosed reports use of an engine after Close.
	ErrClosed = errors.New("peer: closed")
)

// roundState tracks one negotiation round.
type roundState int

const (
	roundNoSession roundState = iota
	// roundCreated: session exists, no description applied this round. The
	// controller idles here awaiting the remote offer.
	roundCreated
	// roundOfferSent: local offer set, awaiting the remote answer.
	roundOfferSent
	// roundStable: offer/answer exchange complete. A new remote offer
	// restarts the round (renegotiation).
	roundStable
)

func (s roundState) String() string {
	switch s {
	case roundNoSession:
		return "no_session"
	case roundCreated:
		return "session_created"
	case roundOfferSent:
		return "offer_sent"
	case roundStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Callbacks deliver engine output. They are invoked without the engine lock
// held and may arrive on pion's goroutines.
type Callbacks struct {
	// OnLocalDescription fires for every locally generated offer or answer,
	// at most one answer per negotiation round.
	OnLocalDescription func(kind signal.Kind, sdp string)
	OnLocalCandidate   func(signal.CandidateData)
	OnConnectionState  func(webrtc.PeerConnectionState)
	OnRemoteTrack      func(track *webrtc.TrackRemote)
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Role    signal.Role
	// Video adds a receive-only video transceiver next to the always-present
	// audio one.
	Video     bool
	Callbacks Callbacks

	// API overrides the pion API, e.g. to run over a virtual network in
	// tests. Nil constructs the default API with the slog bridge.
	API *webrtc.API
}

// Engine drives one negotiation session. All mutation is serialized on one
// mutex so a close in progress can never race an offer or candidate
// application on a half-torn-down session.
type Engine struct {
	cfg Config
	log *slog.Logger
	api *webrtc.API

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	servers []webrtc.ICEServer
	round   roundState
	closed  bool
}

func NewEngine(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	api := cfg.API
	if api == nil {
		me := &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err != nil {
			// RegisterDefaultCodecs only fails on programmer error (duplicate
			// registration); a fresh MediaEngine cannot hit it.
			panic(err)
		}
		se := webrtc.SettingEngine{LoggerFactory: slogLoggerFactory{log: log}}
		api = webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))
	}

	return &Engine{cfg: cfg, log: log, api: api, round: roundNoSession}
}

// Create constructs the session configured with servers. Idempotent: a no-op
// when a session already exists.
func (e *Engine) Create(servers []webrtc.ICEServer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.pc != nil {
		return nil
	}
	e.servers = append([]webrtc.ICEServer(nil), servers...)
	return e.createSessionLocked()
}

// createSessionLocked builds the PeerConnection and registers receive-only
// transceivers, audio first so media-line ordering matches the remote offer.
func (e *Engine) createSessionLocked() error {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.servers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
		_ = pc.Close()
		return fmt.Errorf("add audio transceiver: %w", err)
	}
	if e.cfg.Video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
			_ = pc.Close()
			return fmt.Errorf("add video transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if fn := e.cfg.Callbacks.OnLocalCandidate; fn != nil {
			fn(signal.CandidateFromInit(c.ToJSON()))
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if fn := e.cfg.Callbacks.OnConnectionState; fn != nil {
			fn(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("remote track", "kind", track.Kind().String(), "ssrc", track.SSRC())
		if fn := e.cfg.Callbacks.OnRemoteTrack; fn != nil {
			fn(track)
		}
	})

	e.pc = pc
	e.round = roundCreated
	return nil
}

// ApplyRemoteOffer sets the remote offer and answers it. Valid when no local
// description has been set this round, and from roundStable (renegotiation).
//
// If setting the offer fails from roundStable or another unexpected state,
// the session is torn down, rebuilt with the same servers, and the offer is
// re-applied exactly once. The engine mutex is held for the whole sequence,
// so no newer offer can land between the rebuild and the retry.
func (e *Engine) ApplyRemoteOffer(sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.pc == nil {
		return ErrNoSession
	}
	if e.round == roundOfferSent {
		return fmt.Errorf("%w: remote offer while %s", ErrWrongState, e.round)
	}
	if e.round == roundStable {
		// Renegotiation: the fresh offer starts a new round, re-arming the
		// answer-once predicate.
		e.round = roundCreated
	}

	err := e.applyRemoteOfferLocked(sdp)
	if err == nil {
		return nil
	}

	// Sole self-healing transition: rebuild from scratch and retry once.
	e.log.Warn("applying remote offer failed, rebuilding session", "state", e.round.String(), "err", err)
	e.cfg.Metrics.Inc(metrics.SessionRebuilt)
	e.destroySessionLocked()
	if rerr := e.createSessionLocked(); rerr != nil {
		return fmt.Errorf("rebuild session: %w", rerr)
	}
	return e.applyRemoteOfferLocked(sdp)
}

func (e *Engine) applyRemoteOfferLocked(sdp string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	return e.remoteDescriptionSetLocked()
}

// remoteDescriptionSetLocked runs after the remote offer lands. Underlying
// engines are known to fire their description-set observers more than once;
// the round predicate makes the answer send idempotent regardless.
func (e *Engine) remoteDescriptionSetLocked() error {
	if e.round == roundStable {
		// Answer already produced this round.
		return nil
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	e.round = roundStable
	e.cfg.Metrics.Inc(metrics.AnswerSent)

	if fn := e.cfg.Callbacks.OnLocalDescription; fn != nil {
		sdp := e.pc.LocalDescription().SDP
		go fn(signal.KindAnswer, sdp)
	}
	return nil
}

// ApplyRemoteAnswer sets the remote answer. Valid only while a local offer
// is pending; in any other state the description is rejected up front so a
// stable session is never violated.
func (e *Engine) ApplyRemoteAnswer(sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.pc == nil {
		return fmt.Errorf("%w: remote answer with %s", ErrWrongState, roundNoSession)
	}
	if e.round != roundOfferSent {
		return fmt.Errorf("%w: remote answer while %s", ErrWrongState, e.round)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.round = roundStable
	return nil
}

// AddRemoteCandidate applies a remote ICE candidate. Candidates arriving
// before the session exists are discarded with no effect.
func (e *Engine) AddRemoteCandidate(c signal.CandidateData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.pc == nil {
		return nil
	}
	if err := e.pc.AddICECandidate(c.ToInit()); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ProduceOffer creates and emits the local offer. Only the controlled
// endpoint initiates negotiation; the controller only ever answers.
func (e *Engine) ProduceOffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cfg.Role != signal.RoleKid {
		return ErrWrongRole
	}
	if e.pc == nil {
		return ErrNoSession
	}
	if e.round != roundCreated && e.round != roundStable {
		return fmt.Errorf("%w: produce offer while %s", ErrWrongState, e.round)
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	e.round = roundOfferSent
	e.cfg.Metrics.Inc(metrics.OfferSent)

	if fn := e.cfg.Callbacks.OnLocalDescription; fn != nil {
		sdp := e.pc.LocalDescription().SDP
		go fn(signal.KindOffer, sdp)
	}
	return nil
}

// Close tears the session down. Safe to call more than once; repeat calls
// are no-ops. Serialized against concurrent mutation on the engine mutex.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.destroySessionLocked()
}

func (e *Engine) destroySessionLocked() {
	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			e.log.Warn("closing peer connection", "err", err)
		}
		e.pc = nil
	}
	e.round = roundNoSession
}
