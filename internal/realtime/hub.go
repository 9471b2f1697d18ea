// Package realtime streams receipt lifecycle events to WebSocket clients.
//
// A client receives every event until it sends a Subscription naming the
// event types or addresses it cares about; the hub answers each
// subscription with a "subscribed" acknowledgement.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/receiptescrow/internal/metrics"
)

const (
	defaultMaxClients = 10000
	defaultSendBuffer = 256

	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	maxMessage   = 64 * 1024
)

// normalCloseCodes are close codes of an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// EventType names a lifecycle event, e.g. "receipt.issued".
type EventType string

// Event is one message on the stream. Addresses lists the seller and
// buyer addresses the event concerns, lowercased. Seq increases by one
// per published event so clients can spot drops.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Addresses []string    `json:"addresses,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Subscription narrows a client's stream. Empty lists match everything.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	Addresses  []string    `json:"addresses"`
}

// filter is a compiled Subscription.
type filter struct {
	types map[EventType]struct{}
	addrs map[string]struct{}
}

func compile(sub Subscription) *filter {
	f := &filter{}
	if len(sub.EventTypes) > 0 {
		f.types = make(map[EventType]struct{}, len(sub.EventTypes))
		for _, t := range sub.EventTypes {
			f.types[t] = struct{}{}
		}
	}
	if len(sub.Addresses) > 0 {
		f.addrs = make(map[string]struct{}, len(sub.Addresses))
		for _, a := range sub.Addresses {
			f.addrs[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
		}
	}
	return f
}

func (f *filter) matches(ev *Event) bool {
	if f.types != nil {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	if f.addrs == nil {
		return true
	}
	for _, a := range ev.Addresses {
		if _, ok := f.addrs[a]; ok {
			return true
		}
	}
	return false
}

// Config tunes the hub.
type Config struct {
	// AllowedOrigins lists browser origins allowed to connect. "*" allows
	// any origin; an empty list allows only the serving host.
	AllowedOrigins []string
	MaxClients     int
	SendBuffer     int
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	f    atomic.Pointer[filter]
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, h.cfg.SendBuffer)}
	c.f.Store(compile(Subscription{}))
	return c
}

// Hub fans published events out to connected clients.
type Hub struct {
	cfg        Config
	upgrader   websocket.Upgrader
	clients    map[*Client]struct{}
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits

	seq          atomic.Uint64
	totalEvents  atomic.Int64
	dropped      atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:        cfg,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan *Event, cfg.SendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// Run owns the client set until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send) // writePump sends a close frame
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "clients", n)

		case ev := <-h.broadcast:
			h.fanOut(ev)
		}
	}
}

// drop removes c; callers hold h.mu.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) fanOut(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		if !c.f.Load().matches(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			h.drop(c)
		}
		h.mu.Unlock()
		h.logger.Warn("disconnected slow websocket clients", "count", len(slow))
	}
}

// Broadcast queues ev for delivery. Events are dropped when the queue is full.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.dropped.Add(1)
		h.logger.Warn("event queue full, dropping event", "type", ev.Type, "seq", ev.Seq)
	}
}

// Publish stamps and broadcasts a lifecycle event concerning addresses.
func (h *Hub) Publish(eventType string, addresses []string, data interface{}) {
	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(a)
	}
	h.Broadcast(&Event{
		Seq:       h.seq.Add(1),
		Type:      EventType(eventType),
		Timestamp: time.Now().UTC(),
		Addresses: lowered,
		Data:      data,
	})
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		PeakClients:      h.peakClients.Load(),
		TotalClients:     h.totalClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.cfg.MaxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// subscribed acknowledges a subscription change.
type subscribed struct {
	Type EventType `json:"type"`
	Subscription
}

// readPump applies subscription messages until the connection ends.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.f.Store(compile(sub))

		ack, _ := json.Marshal(subscribed{Type: "subscribed", Subscription: sub})
		c.hub.mu.RLock()
		if _, live := c.hub.clients[c]; live {
			select {
			case c.send <- ack:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}

// writePump drains send and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
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
				c.hub.logger.Debug("websocket write error", "error", err)
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
