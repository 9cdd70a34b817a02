package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Type names an event on the feed
type Type string

const (
	TransmissionStarted Type = "transmission_started"
	TransmissionEnded   Type = "transmission_ended"
	FlushWritten        Type = "flush_written"
	FlushFailed         Type = "flush_failed"
	FlushSkipped        Type = "flush_skipped"
	FlushPartial        Type = "flush_partial"
)

// Event is one JSON message on the feed
type Event struct {
	Type            Type      `json:"type"`
	Time            time.Time `json:"time"`
	TransmissionID  string    `json:"transmission_id"`
	Group           string    `json:"group"`
	Callsign        string    `json:"callsign"`
	Talkgroup       uint32    `json:"talkgroup,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Bytes           int       `json:"bytes,omitempty"`
	Error           string    `json:"error,omitempty"`
}

const writeWait = 5 * time.Second

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected websocket clients.
// Publish never blocks; a client whose buffer is full is disconnected.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	bufferSize int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// Option configures a Hub
type Option func(*Hub)

// WithBufferSize sets the per-client queue length
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithCheckOrigin overrides the websocket origin check
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// AllowOrigins accepts requests without an Origin header or with one of origins
func AllowOrigins(origins ...string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		bufferSize: 64,
		clients:    make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish sends ev to every client
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping slow event client", slog.Int("buffer_size", cap(c.send)))
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "event feed closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debug("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	// the HTTP server's read timeout must not end long-lived subscriptions
	_ = conn.SetReadDeadline(time.Time{})

	c := &client{
		conn: conn,
		send: make(chan []byte, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Event client connected", slog.String("remote_addr", conn.RemoteAddr().String()))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Close disconnects every client and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// readLoop discards client messages and detects disconnects
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
