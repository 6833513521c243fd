// Package websocket provides the live progress feed for BatchQ.
//
// Clients open a WebSocket connection to:
//
//	GET /ws
//
// and receive one JSON text frame per dispatcher event:
//
//	{"type":"round_started","round":"<ULID>","kind":"message","items":12,...}
//	{"type":"item_sending","round":"<ULID>","seq":3,"status":"in_flight",...}
//	{"type":"item_resolved","round":"<ULID>","seq":3,"status":"forbidden","response_code":403,...}
//	{"type":"round_finished","round":"<ULID>","summary":{...},...}
//
// The feed is one-way; frames sent by the client are read and discarded.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/batchq/internal/dispatcher"
)

// clientBuffer is how many frames may queue up for one slow client before
// further events are dropped for it.
const clientBuffer = 256

const writeWait = 10 * time.Second

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// Requests without an Origin header (native clients, curl) are allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Hub fans dispatcher events out to every connected client. It implements
// dispatcher.Observer and http.Handler.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

type client struct {
	frames  chan []byte
	dropped int
}

var _ dispatcher.Observer = (*Hub)(nil)

// NewHub returns an empty Hub. A nil logger means slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Observe encodes ev once and queues it for every client. It never blocks:
// a client whose buffer is full misses the frame.
func (h *Hub) Observe(ev dispatcher.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("ws encode failed", "type", ev.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.frames <- data:
		default:
			c.dropped++
		}
	}
}

func (h *Hub) add() *client {
	c := &client{frames: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	return c.dropped
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := h.add()
	defer func() {
		if n := h.remove(c); n > 0 {
			h.logger.Warn("ws client fell behind", "remote", r.RemoteAddr, "dropped", n)
		}
	}()

	// Drain client frames so control messages (close, ping) are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case data := <-c.frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		}
	}
}
