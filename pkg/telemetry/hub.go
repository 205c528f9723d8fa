// Package telemetry forwards odometry samples to WebSocket clients.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/senpai-robotics/controller/pkg/buffer"
	"github.com/senpai-robotics/controller/pkg/dispatcher"
)

const logPrefix = "telemetry:hub"

const (
	DefaultClientQueue  = 32
	DefaultWriteTimeout = time.Second
	pingPeriod          = 15 * time.Second
	maxInboundMessage   = 512
)

// Options configures a Hub. Zero values use the defaults.
type Options struct {
	// ClientQueue is how many samples may wait for one client before it is dropped.
	ClientQueue  int
	WriteTimeout time.Duration
	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub drains the telemetry buffer and broadcasts every sample as JSON.
type Hub struct {
	source   *buffer.Incoming[dispatcher.Sample]
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	last      atomic.Pointer[dispatcher.Sample]
	forwarded atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub reading from source.
func NewHub(source *buffer.Incoming[dispatcher.Sample], opts Options) *Hub {
	if opts.ClientQueue <= 0 {
		opts.ClientQueue = DefaultClientQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Hub{
		source:   source,
		opts:     opts,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096, CheckOrigin: check},
		clients:  make(map[*client]struct{}),
	}
}

// Run is the telemetry consumer task. It returns when ctx ends, after disconnecting all clients.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		sample, err := h.source.Take(ctx)
		if err != nil {
			return nil
		}
		h.last.Store(&sample)

		data, err := json.Marshal(sample)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - failed to encode sample: %v", logPrefix, err))
			continue
		}
		h.broadcast(data)
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
			h.forwarded.Add(1)
		default:
			slog.Warn(fmt.Sprintf("%s - client %s too slow, dropping it", logPrefix, c.conn.RemoteAddr()))
			h.dropped.Add(1)
			delete(h.clients, c)
			c.close()
		}
	}
}

// ServeHTTP upgrades the request and subscribes the connection to the sample stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - upgrade failed: %v", logPrefix, err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.opts.ClientQueue)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - client %s connected (%d)", logPrefix, conn.RemoteAddr(), n))

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop discards inbound messages and notices when the peer goes away.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxInboundMessage)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		slog.Info(fmt.Sprintf("%s - client %s disconnected", logPrefix, c.conn.RemoteAddr()))
		c.close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Last returns the most recent sample, if any.
func (h *Hub) Last() (dispatcher.Sample, bool) {
	s := h.last.Load()
	if s == nil {
		return dispatcher.Sample{}, false
	}
	return *s, true
}

// Stats reports how many messages were queued to clients and how many clients were dropped.
func (h *Hub) Stats() (forwarded, dropped int64) {
	return h.forwarded.Load(), h.dropped.Load()
}
