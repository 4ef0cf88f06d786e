// Package fabric fans live federation events out to connected websocket
// consumers: entity changes, sync lifecycle, trust movements. Each consumer
// gets a bounded send buffer; a consumer that cannot keep up is disconnected
// rather than allowed to backpressure the bus.
package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	gosync "sync"

	"github.com/gorilla/websocket"

	"github.com/forgegraph/forge-core/internal/events"
	"github.com/forgegraph/forge-core/internal/metrics"
)

// Config tunes the hub.
type Config struct {
	// AllowedOrigins gates upgrades by Origin header; empty allows any.
	AllowedOrigins []string
}

// Hub tracks connected stream consumers and broadcasts bus events to them.
type Hub struct {
	cfg      Config
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu          gosync.RWMutex
	clients     map[*Client]bool
	closed      bool
	unsubscribe func()
}

// NewHub wires the hub. metrics is already nil-safe.
func NewHub(cfg Config, m *metrics.Metrics) *Hub {
	h := &Hub{
		cfg:     cfg,
		metrics: m,
		clients: make(map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	slog.Warn("Stream upgrade rejected by origin check", "origin", origin)
	return false
}

// BindBus subscribes the hub to every event type on the bus. Call once after
// construction; Shutdown detaches.
func (h *Hub) BindBus(bus events.Bus) {
	unsubscribe := bus.Subscribe(func(ctx context.Context, ev *events.Event) error {
		h.Broadcast(ev)
		return nil
	})

	h.mu.Lock()
	h.unsubscribe = unsubscribe
	h.mu.Unlock()
}

// Broadcast serializes the event once and queues it on every subscribed
// client. A client whose buffer is full is disconnected; the stream is a
// lossy tap, not a durable queue, and a stalled consumer must not grow
// unbounded memory here.
func (h *Hub) Broadcast(ev *events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Stream event marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		if !client.wants(ev.Type) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		slog.Warn("Disconnecting slow stream consumer", "remote", client.remote)
		client.close()
	}
}

// ServeWS upgrades the request and registers the connection as a consumer.
// The optional ?types=a,b,c query restricts which event types the consumer
// receives; absent means all.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "stream is shut down", http.StatusServiceUnavailable)
		return
	}

	filter := parseTypeFilter(r.URL.Query().Get("types"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Stream upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn, filter)
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetStreamClients(n)
	slog.Info("Stream consumer connected", "remote", c.remote, "clients", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetStreamClients(n)
	slog.Info("Stream consumer disconnected", "remote", c.remote, "clients", n)
}

// ClientCount reports connected consumers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown detaches from the bus and closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

// parseTypeFilter builds the subscription set from the comma-separated query
// value. Nil means no filter.
func parseTypeFilter(raw string) map[events.EventType]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[events.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		filter[events.EventType(part)] = true
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}
