// Package websocket pushes license changes to every open UI window. The
// hub owns the client set; each client runs a read and a write pump.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"sspdesk/internal/infrastructure"
)

// Message types sent to clients
const (
	TypeConnection     = "connection"
	TypeLicenseChanged = "license_changed"
)

// Message is the envelope of every server message
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

type outbound struct {
	msgType string
	payload []byte
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *hubMetrics
}

// NewHub creates a hub; nil meter records nothing
func NewHub(logger *slog.Logger, meter metric.Meter) (*Hub, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	metrics, err := newHubMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
	}, nil
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(ctx, c)
			}
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "Hub shutting down")
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.connected(ctx)
			h.logger.InfoContext(ctx, "Client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total_clients", count),
			)
			h.greet(ctx, c)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(ctx, c)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "Client unregistered",
				slog.String("client_id", c.id),
				slog.Int("total_clients", count),
			)

		case msg := <-h.broadcast:
			h.deliver(ctx, msg)
		}
	}
}

// drop removes c; the caller holds h.mu
func (h *Hub) drop(ctx context.Context, c *Client) {
	delete(h.clients, c)
	close(c.send)
	h.metrics.disconnected(ctx, time.Since(c.connectedAt))
}

func (h *Hub) greet(ctx context.Context, c *Client) {
	payload, err := json.Marshal(Message{
		Type:      TypeConnection,
		Data:      map[string]string{"status": "connected", "client_id": c.id},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		h.logger.WarnContext(ctx, "Failed to send connection message, client buffer full",
			slog.String("client_id", c.id))
	}
}

func (h *Hub) deliver(ctx context.Context, msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.send <- msg.payload:
			sent++
		default:
			h.drop(ctx, c)
			h.metrics.droppedClients.Add(ctx, 1)
			h.logger.WarnContext(ctx, "Client send buffer full, disconnecting",
				slog.String("client_id", c.id))
		}
	}
	h.metrics.sent(ctx, msg.msgType, sent)
	h.logger.DebugContext(ctx, "Broadcast delivered",
		slog.String("type", msg.msgType),
		slog.Int("clients", sent),
	)
}

// Broadcast queues a message for every client. It returns without sending
// once the hub has stopped.
func (h *Hub) Broadcast(ctx context.Context, msgType string, data interface{}) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		TraceID:   infrastructure.GetTraceID(ctx),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "Error marshaling message",
			slog.String("type", msgType),
			slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- outbound{msgType: msgType, payload: payload}:
	case <-h.done:
	case <-ctx.Done():
	}
}

// Register adds a client to the hub
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
