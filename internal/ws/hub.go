// Package ws is the push channel: a WebSocket hub that fans out engine
// lifecycle events to connected browsers. Adapted from the teacher's
// internal/modules/websocket Hub, rewired to subscribe to
// engine.Engine.Subscribe instead of a generic app event bus.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/chenchao1231/SocketRelay/internal/engine"
	"github.com/chenchao1231/SocketRelay/internal/modules/shared"
)

const defaultPingInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks connected WebSocket clients and broadcasts messages to all of
// them.
type Hub struct {
	conns        map[string]*conn
	register     chan *conn
	unregister   chan *conn
	mu           sync.RWMutex
	pingInterval time.Duration
}

type conn struct {
	id   string
	sock *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub. Call Run in its own goroutine before serving any
// connections.
func NewHub() *Hub {
	return &Hub{
		conns:        make(map[string]*conn),
		register:     make(chan *conn),
		unregister:   make(chan *conn),
		pingInterval: defaultPingInterval,
	}
}

// Run processes register/unregister events until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.conns[c.id] = c
			h.mu.Unlock()
			log.Printf("ws: connected %s, total=%d", c.id, len(h.conns))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.conns[c.id]; ok {
				delete(h.conns, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			log.Printf("ws: disconnected %s, total=%d", c.id, len(h.conns))
		}
	}
}

// Handle upgrades a gin request to a WebSocket connection and starts its
// read/write pumps.
func (h *Hub) Handle(c *gin.Context) {
	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws: upgrade error: %v", err)
		return
	}

	wc := &conn{id: shared.GenerateConnID(), sock: sock, send: make(chan []byte, 256)}
	h.register <- wc

	go h.writePump(wc)
	go h.readPump(wc)
}

func (h *Hub) readPump(c *conn) {
	defer func() {
		h.unregister <- c
		_ = c.sock.Close()
	}()

	c.sock.SetReadLimit(1024 * 1024)
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(h.pingInterval * 2))
		return nil
	})

	for {
		if _, _, err := c.sock.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast sends msg to every connected client, dropping it for any client
// whose send buffer is full rather than blocking.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

type eventMessage struct {
	Type      engine.EventType `json:"type"`
	RuleID    int64            `json:"rule_id"`
	Data      any              `json:"data,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// Attach subscribes the hub to eng's lifecycle events and broadcasts each
// one as JSON.
func Attach(h *Hub, eng *engine.Engine) {
	eng.Subscribe(func(ev engine.Event) {
		msg, err := json.Marshal(eventMessage{
			Type:      ev.Type,
			RuleID:    ev.RuleID,
			Data:      ev.Data,
			Timestamp: time.Now().Unix(),
		})
		if err != nil {
			log.Printf("ws: failed to marshal event: %v", err)
			return
		}
		h.Broadcast(msg)
	})
}
