package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// RelayFrame is the JSON frame the WebSocket dev relay fans out verbatim to
// every subscriber of a channel, the sender included. Echo filtering happens
// on the receiving side, same as with a real relay service.
type RelayFrame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// relayTransport speaks the dev relay's WebSocket protocol. It exists so the
// full session flow can run locally (and in integration tests) without an
// MQTT broker; see e2e/dev-signal-relay.
type relayTransport struct {
	relayURL string
	creds    Credentials

	mu       sync.Mutex
	conn     *websocket.Conn
	onStatus func(Status, error)
	subs     []relaySub
	closed   bool
	once     sync.Once
}

type relaySub struct {
	filter  string
	handler func(topic string, payload []byte)
}

// NewRelayTransportFactory returns a Transport factory dialing the dev relay
// at relayURL (ws:// or wss://).
func NewRelayTransportFactory(relayURL string) func(Credentials) (Transport, error) {
	return func(creds Credentials) (Transport, error) {
		if relayURL == "" {
			return nil, fmt.Errorf("relay URL is empty")
		}
		return &relayTransport{relayURL: relayURL, creds: creds}, nil
	}
}

func (t *relayTransport) SetStatusHandler(fn func(Status, error)) {
	t.mu.Lock()
	t.onStatus = fn
	t.mu.Unlock()
}

func (t *relayTransport) status(s Status, err error) {
	t.mu.Lock()
	fn := t.onStatus
	t.mu.Unlock()
	if fn != nil {
		fn(s, err)
	}
}

func (t *relayTransport) Connect(ctx context.Context) error {
	u, err := url.Parse(t.relayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}

	header := http.Header{}
	if t.creds.Username != "" {
		raw := t.creds.Username + ":" + t.creds.Password
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(raw)))
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("relay dial %s: %w", u.String(), err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *relayTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.status(StatusDisconnected, err)
			}
			return
		}

		var frame RelayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		t.mu.Lock()
		subs := append([]relaySub(nil), t.subs...)
		t.mu.Unlock()
		for _, sub := range subs {
			if topicMatches(sub.filter, frame.Topic) {
				sub.handler(frame.Topic, frame.Data)
			}
		}
	}
}

func (t *relayTransport) Subscribe(filter string, handler func(topic string, payload []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	t.subs = append(t.subs, relaySub{filter: filter, handler: handler})
	return nil
}

func (t *relayTransport) Publish(topic string, payload []byte) error {
	frame, err := json.Marshal(RelayFrame{Topic: topic, Data: payload})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *relayTransport) Disconnect() {
	t.once.Do(func() {
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.subs = nil
		t.onStatus = nil
		t.closed = true
		t.mu.Unlock()
		if conn != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}
	})
}

// topicMatches implements single-level trailing wildcard matching: a filter
// of "a/b/+" matches "a/b/<anything without further slashes>".
func topicMatches(filter, topic string) bool {
	if !strings.HasSuffix(filter, "/+") {
		return filter == topic
	}
	prefix := strings.TrimSuffix(filter, "+")
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return false
	}
	return rest != "" && !strings.Contains(rest, "/")
}
