package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket timeouts, following the gorilla chat example
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64

	// MaxClients caps concurrent event-stream connections
	MaxClients = 100
)

// Event is one message on the /ws stream
type Event struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Hub fans pipeline events out to websocket clients. It implements
// usedcss.EventSink.
type Hub struct {
	allowedOrigins []string
	logger         *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[*client]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	drops atomic.Int64
	now   func() time.Time
}

// NewHub creates a hub. Origins are matched by prefix; an empty list only
// admits localhost and clients that send no Origin header.
func NewHub(allowedOrigins []string, log *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		allowedOrigins: allowedOrigins,
		logger:         log.Named("hub"),
		clients:        make(map[*client]bool),
		ctx:            ctx,
		cancel:         cancel,
		now:            time.Now,
	}
}

// Emit broadcasts a named event. Clients whose buffer is full are dropped.
func (h *Hub) Emit(name string, payload any) {
	ev := Event{Type: "event", Name: name, Payload: payload, Timestamp: h.now().Unix()}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			slow = append(slow, c)
		}
	}
	sent := len(h.clients) - len(slow)
	h.mu.RUnlock()

	for _, c := range slow {
		h.drops.Add(1)
		h.logger.Warnw("Client send buffer full, removing client", "client_id", c.id)
		h.remove(c)
	}
	h.logger.Debugw("Event broadcast", "event", name, "clients", sent)
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many clients were removed for falling behind
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

// ServeWS upgrades the request and streams events to it until the peer
// goes away or the hub stops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(r.Header.Get("Origin"), h.allowedOrigins) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the http error
		h.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan Event, sendBuffer),
		id:   uuid.NewString()[:8],
	}
	if !h.add(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	if h.ctx.Err() != nil || len(h.clients) >= MaxClients {
		h.mu.Unlock()
		h.logger.Warnw("Rejecting websocket client", "client_id", c.id, "max_clients", MaxClients)
		return false
	}
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Client connected", "client_id", c.id, "total_clients", total)
	return true
}

// remove unregisters c and closes its send channel. Emit only sends under
// the read lock, so closing under the write lock never races a send.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
}

// Stop disconnects every client and waits for their pumps to exit
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		h.logger.Warnw("Hub shutdown timed out", "timeout", ShutdownTimeout)
	}
}

// originAllowed admits empty origins, localhost, and configured prefixes
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
