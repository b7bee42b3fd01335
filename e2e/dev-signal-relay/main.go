// dev-signal-relay is a minimal WebSocket pub/sub relay for local
// development and end-to-end tests: it fans every frame out to every
// connected client, the sender included, exactly like a hosted relay that
// echoes. Clients filter by topic (see internal/signaling).
//
// Not for production use: no auth beyond an optional shared token, no
// persistence, no rate limits.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
)

type hub struct {
	mu    sync.Mutex
	conns map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.write(websocket.TextMessage, data); err != nil {
			slog.Warn("relay write failed, dropping client", "err", err)
			h.remove(c)
			c.conn.Close()
		}
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:9030", "listen address")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	h := &hub{conns: make(map[*client]struct{})}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	http.HandleFunc("/signal", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &client{conn: conn}
		h.add(c)
		slog.Info("client connected", "remote", conn.RemoteAddr())

		defer func() {
			h.remove(c)
			conn.Close()
			slog.Info("client disconnected", "remote", conn.RemoteAddr())
		}()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			h.broadcast(data)
		}
	})

	slog.Info("dev signal relay listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		slog.Error("listen failed", "err", err)
		os.Exit(1)
	}
}
