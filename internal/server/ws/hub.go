// Package ws pushes bot events (position_opened, trade_closed,
// circuit_breaker, bot_crashed) to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polysniper/internal/backoff"
	"github.com/alanyoungcy/polysniper/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
	followInterval = time.Second
	followBatch    = 100
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamReader is the part of domain.EventBus the hub follows.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

type event struct {
	name string
	data []byte
}

// Hub fans events out to connected clients. A client receives every event
// unless it narrows its subscription.
type Hub struct {
	logger     *slog.Logger
	broadcast  chan event
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger.With(slog.String("component", "ws_hub")),
		broadcast:  make(chan event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run services registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.Int("clients", n))

		case e := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(e.name) {
					continue
				}
				select {
				case c.send <- e.data:
				default:
					h.logger.Warn("dropping event for slow client", slog.String("event", e.name))
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues an event. It never blocks; events are dropped when the
// hub is saturated.
func (h *Hub) Publish(name string, payload []byte) {
	select {
	case h.broadcast <- event{name: name, data: payload}:
	default:
		h.logger.Warn("hub saturated, event dropped", slog.String("event", name))
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Follow tails stream and publishes each entry, named by its "event" field.
// Only entries appended after Follow starts are delivered.
func (h *Hub) Follow(ctx context.Context, bus StreamReader, stream string) error {
	lastID := fmt.Sprintf("%d-0", time.Now().UnixMilli())
	for {
		msgs, err := bus.StreamRead(ctx, stream, lastID, followBatch)
		if err != nil {
			h.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
		}
		for _, m := range msgs {
			lastID = m.ID
			h.Publish(eventName(m.Payload), m.Payload)
		}
		if len(msgs) == followBatch {
			continue
		}
		if err := backoff.Sleep(ctx, followInterval); err != nil {
			return err
		}
	}
}

func eventName(payload []byte) string {
	var env struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(payload, &env) != nil || env.Event == "" {
		return "unknown"
	}
	return env.Event
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	only map[string]bool
}

// subscribeMsg narrows (subscribe) or widens (unsubscribe, all) the events
// a client receives.
type subscribeMsg struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *client) wants(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.only == nil || c.only[name]
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		if c.only == nil {
			c.only = make(map[string]bool)
		}
		for _, e := range msg.Events {
			c.only[e] = true
		}
	case "unsubscribe":
		for _, e := range msg.Events {
			delete(c.only, e)
		}
	case "all":
		c.only = nil
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(message, &msg) == nil && msg.Action != "" {
			c.apply(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
