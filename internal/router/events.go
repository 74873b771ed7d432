package router

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// eventUpgrader matches the teacher's socket.go settings. Origin checking is
// left permissive since this stream carries no client data, only
// operator-facing status events.
var eventUpgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	CheckOrigin:      func(*http.Request) bool { return true },
}

const eventKeepAliveInterval = 15 * time.Second

// AdminEvent is a single operator-facing notification pushed to every
// connected /admin/events client: instance health flips and manual mapping
// deletions. Abandoned WAL entries are not broadcast; they reach only the
// alert sink.
type AdminEvent struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Data any    `json:"data,omitempty"`
}

// EventHub tracks connected admin WebSocket clients, adapted from the
// teacher's WSHub: same connection-tracking-for-shutdown shape, repurposed
// from client keepalive to server-push broadcast.
type EventHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
	done  chan struct{}
}

// NewEventHub builds an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{conns: make(map[*websocket.Conn]struct{}), done: make(chan struct{})}
}

func (h *EventHub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Broadcast sends event as JSON to every connected client, dropping any
// connection that fails to accept the write.
func (h *EventHub) Broadcast(event AdminEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(h.conns, conn)
			_ = conn.Close()
		}
	}
}

// Shutdown closes every connected client.
func (h *EventHub) Shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

// Handler upgrades the connection and keeps it open, sending pings until
// the client disconnects or the hub shuts down, purely server-push.
func (h *EventHub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := eventUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		h.add(conn)
		defer func() {
			h.remove(conn)
			_ = conn.Close()
		}()

		ticker := time.NewTicker(eventKeepAliveInterval)
		defer ticker.Stop()

		readErr := make(chan error, 1)
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					readErr <- err
					return
				}
			}
		}()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-readErr:
				return
			}
		}
	}
}
