// Package statushub fans out engine.StatusSnapshot events to
// connected WebSocket clients (operator dashboards), adapted from the
// fleet's WebSocket hub.
package statushub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/holla2040/leakrig/internal/engine"
)

// Hub manages WebSocket client connections and broadcasts status
// snapshots. It implements engine.StatusObserver.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool

	registerCh   chan *client
	unregisterCh chan *client
	broadcastCh  chan []byte
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub. Call Run to start processing events.
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[*client]bool),
		registerCh:   make(chan *client, 16),
		unregisterCh: make(chan *client, 16),
		broadcastCh:  make(chan []byte, 256),
	}
}

// Run processes register, unregister, and broadcast events until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.registerCh:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregisterCh:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()

		case data := <-h.broadcastCh:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// client buffer full, drop for this client
				}
			}
			h.mu.RUnlock()
		}
	}
}

// OnStatus implements engine.StatusObserver. It must never block the
// Engine's run loop, so a full broadcast buffer drops the update
// rather than waiting for Run's consumer.
func (h *Hub) OnStatus(snap engine.StatusSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("statushub: marshal snapshot: %v", err)
		return
	}
	select {
	case h.broadcastCh <- data:
	default:
		log.Printf("statushub: broadcast buffer full, dropping snapshot")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and streams status
// snapshots to it until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // LAN-only operator dashboard
	})
	if err != nil {
		log.Printf("statushub: accept failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.registerCh <- c

	go h.writePump(r.Context(), c)
	h.readPump(r.Context(), c)
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	defer c.conn.Close(websocket.StatusNormalClosure, "")

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump only drains the socket; dashboards don't send commands
// over this channel.
func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() { h.unregisterCh <- c }()
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
