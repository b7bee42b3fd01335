package metrics

import "sync"

// Event names incremented by the signaling and session layers. Each becomes
// one label value on the exported counter (see PrometheusHandler).
const (
	SignalingReconnect       = "signaling_reconnect"
	SignalingReconnectFailed = "signaling_reconnect_failed"
	SignalingEchoDropped     = "signaling_echo_dropped"
	SignalingPublishFailed   = "signaling_publish_failed"
	SignalingOversized       = "signaling_oversized_message"
	AnswerSent               = "answer_sent"
	OfferSent                = "offer_sent"
	SessionRebuilt           = "session_rebuilt"
	WatchdogExpired          = "watchdog_expired"
	TeardownRun              = "teardown_run"
	AutoRetry                = "auto_retry"
	TurnFetchDegraded        = "turn_fetch_degraded"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Production deployments are expected to plug into a real metrics backend;
// this type exists to keep lifecycle logic testable and to count the events
// operators actually page on (reconnects, watchdog expiries, degradations).
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
