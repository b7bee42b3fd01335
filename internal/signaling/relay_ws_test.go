package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"guardianlink/sess-a/+", "guardianlink/sess-a/OFFER", true},
		{"guardianlink/sess-a/+", "guardianlink/sess-a/ICE_CANDIDATE", true},
		{"guardianlink/sess-a/+", "guardianlink/sess-b/OFFER", false},
		{"guardianlink/sess-a/+", "guardianlink/sess-a/x/y", false},
		{"guardianlink/sess-a/+", "guardianlink/sess-a/", false},
		{"guardianlink/sess-a/OFFER", "guardianlink/sess-a/OFFER", true},
		{"guardianlink/sess-a/OFFER", "guardianlink/sess-a/ANSWER", false},
	}
	for _, tc := range cases {
		if got := topicMatches(tc.filter, tc.topic); got != tc.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

// echoRelay upgrades every request and writes each received frame back to the
// same connection, mimicking the dev relay's fan-out to the sender itself.
// The returned func closes every upgraded connection: httptest stops tracking
// hijacked conns, so Server.CloseClientConnections cannot reach them.
func echoRelay(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	var mu sync.Mutex
	var conns []*websocket.Conn
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	dropConns := func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}
	return ts, dropConns
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestRelayTransportPublishSubscribeRoundTrip(t *testing.T) {
	ts, _ := echoRelay(t)
	defer ts.Close()

	factory := NewRelayTransportFactory(wsURL(ts))
	tr, err := factory(Credentials{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	got := make(chan []byte, 1)
	if err := tr.Subscribe("guardianlink/sess-a/+", func(topic string, payload []byte) {
		if topic == "guardianlink/sess-a/OFFER" {
			got <- payload
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payload := []byte(`{"type":"OFFER","sdp":"v=0","sender":"kid"}`)
	if err := tr.Publish("guardianlink/sess-a/OFFER", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != string(payload) {
			t.Fatalf("payload=%s, want %s", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never came back through the relay")
	}
}

func TestRelayTransportFiltersForeignTopics(t *testing.T) {
	ts, _ := echoRelay(t)
	defer ts.Close()

	tr, err := NewRelayTransportFactory(wsURL(ts))(Credentials{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	matched := make(chan string, 2)
	if err := tr.Subscribe("guardianlink/sess-a/+", func(topic string, _ []byte) {
		matched <- topic
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := tr.Publish("guardianlink/sess-other/OFFER", []byte(`{}`)); err != nil {
		t.Fatalf("publish foreign: %v", err)
	}
	if err := tr.Publish("guardianlink/sess-a/ANSWER", []byte(`{}`)); err != nil {
		t.Fatalf("publish matching: %v", err)
	}

	select {
	case topic := <-matched:
		if topic != "guardianlink/sess-a/ANSWER" {
			t.Fatalf("matched %q, want only the subscribed channel", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("matching frame never delivered")
	}
	select {
	case topic := <-matched:
		t.Fatalf("unexpected extra delivery %q", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayTransportReportsDisconnect(t *testing.T) {
	ts, dropConns := echoRelay(t)

	tr, err := NewRelayTransportFactory(wsURL(ts))(Credentials{})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	statuses := make(chan Status, 1)
	tr.SetStatusHandler(func(s Status, _ error) { statuses <- s })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	dropConns()
	select {
	case s := <-statuses:
		if s != StatusDisconnected {
			t.Fatalf("status=%s, want disconnected", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no status after server drop")
	}
	ts.Close()
}

func TestRelayFrameWireShape(t *testing.T) {
	frame := RelayFrame{Topic: "guardianlink/sess-a/OFFER", Data: json.RawMessage(`{"type":"OFFER"}`)}
	out, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"topic":"guardianlink/sess-a/OFFER","data":{"type":"OFFER"}}`
	if string(out) != want {
		t.Fatalf("frame=%s, want %s", out, want)
	}
}
