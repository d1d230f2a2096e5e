package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSGateway exposes the hub's envelope stream to out-of-process subscribers
// (editor/UI clients) over a websocket. It forwards already-normalized
// envelopes only; no new event kinds originate here.
type WSGateway struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSGateway builds the gateway handler.
func NewWSGateway(h *Hub, logger *slog.Logger) *WSGateway {
	if logger == nil {
		logger = slog.Default().With("component", "stream-ws")
	}
	return &WSGateway{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local-first: the gateway binds loopback, so cross-origin
			// browser clients on the same machine are allowed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection and streams envelopes until the client
// disconnects.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := g.hub.Subscribe()
	defer unsubscribe()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for env := range events {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			g.logger.Debug("websocket client gone", "error", err)
			return
		}
	}
}
