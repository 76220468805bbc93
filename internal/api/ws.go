package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridline/fieldbus/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The REST surface is already wide open to the frontend.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one connected stream consumer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	// filter holds the subscribed tag external ids; empty means all tags.
	filter map[string]bool
}

// Hub fans tag value events out to websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
}

func newHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

// handleEvent is the hub's bus subscription.
func (h *Hub) handleEvent(_ context.Context, ev *events.Event) {
	payload, err := json.Marshal(map[string]any{
		"tag_id":    ev.TagExternalID,
		"value":     ev.Value,
		"timestamp": ev.Timestamp,
	})
	if err != nil {
		slog.Error("encode stream event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if len(c.filter) > 0 && !c.filter[ev.TagExternalID] {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop the connection rather than the loop.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if h.clients[c] {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// handleTagStream upgrades the connection and streams value updates for
// the tags named in ?tags=a,b,c (all tags when omitted).
func (s *Server) handleTagStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "error", err)
		return
	}

	filter := make(map[string]bool)
	if raw := r.URL.Query().Get("tags"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				filter[id] = true
			}
		}
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		filter: filter,
	}
	s.hub.register(c)

	go c.writePump()
	c.readPump(s.hub)
}

// readPump discards inbound frames and detects disconnects.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket closed", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
