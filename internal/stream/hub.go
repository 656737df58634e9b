// Package stream fans newly committed audit entries out to websocket
// subscribers. Each subscriber is bound to one tenant and only ever receives
// that tenant's entries.
//
// A single hub goroutine owns the subscriber set; registration, removal and
// broadcast all go through channels so the set needs no lock. Delivery is best
// effort: a subscriber whose send buffer is full is dropped rather than
// allowed to stall the feed, and can catch up through the list endpoint.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bizsuite/auditchain/internal/chain"
	"github.com/bizsuite/auditchain/internal/safego"
	"github.com/bizsuite/auditchain/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Config controls the hub.
type Config struct {
	// AllowedOrigins lists origins permitted to open a stream. "*" allows any
	// origin; empty falls back to the same-origin check.
	AllowedOrigins []string
}

// Hub manages the set of active websocket subscribers.
type Hub struct {
	upgrader websocket.Upgrader

	clients      map[*client]struct{}
	broadcastCh  chan *chain.Entry
	registerCh   chan *client
	unregisterCh chan *client
	done         chan struct{}

	count atomic.Int64
}

type client struct {
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
}

// NewHub creates a hub. Call Run to start it.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		clients:      make(map[*client]struct{}),
		broadcastCh:  make(chan *chain.Entry, 256),
		registerCh:   make(chan *client),
		unregisterCh: make(chan *client),
		done:         make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's default same-origin check
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// Run is the hub event loop. It returns when ctx is cancelled, closing every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.registerCh:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			telemetry.StreamSubscribers.Inc()
			slog.Debug("stream subscriber connected", "tenant_id", c.tenantID, "total", len(h.clients))

		case c := <-h.unregisterCh:
			h.remove(c)

		case entry := <-h.broadcastCh:
			msg, err := json.Marshal(entry)
			if err != nil {
				slog.Error("failed to marshal stream entry", "hash", entry.Hash, "error", err)
				continue
			}
			for c := range h.clients {
				if c.tenantID != entry.TenantID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					slog.Warn("dropping slow stream subscriber", "tenant_id", c.tenantID)
					h.remove(c)
				}
			}

		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
	telemetry.StreamSubscribers.Dec()
	slog.Debug("stream subscriber disconnected", "tenant_id", c.tenantID, "total", len(h.clients))
}

// Publish queues entry for delivery. It never blocks; when the queue is full
// the entry is dropped from the live feed.
func (h *Hub) Publish(entry *chain.Entry) {
	select {
	case h.broadcastCh <- entry:
	default:
		slog.Warn("stream broadcast queue full, dropping entry", "tenant_id", entry.TenantID, "hash", entry.Hash)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

// ServeWS upgrades the request and subscribes the connection to tenantID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "tenant_id", tenantID, "error", err)
		return
	}

	c := &client{tenantID: tenantID, conn: conn, send: make(chan []byte, sendBufferSize)}
	select {
	case h.registerCh <- c:
	case <-h.done:
		conn.Close()
		return
	}

	safego.Go("stream.write", func() { c.writePump() })
	safego.Go("stream.read", func() { c.readPump(h) })
}

// writePump sends queued messages and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump drains the connection to observe pongs and disconnects; the feed is
// one-directional.
func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregisterCh <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
