// Package websocket streams audit events to operators watching /ops/events.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/lastsignal/internal/model"
)

// Message is the wire form of one audit event.
type Message struct {
	Type      string          `json:"type"`
	Action    model.Action    `json:"action"`
	ActorType model.ActorType `json:"actor_type"`
	UserID    *int64          `json:"user_id,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	At        time.Time       `json:"at"`
}

// NewMessage wraps an audit event for broadcast.
func NewMessage(ev model.AuditEvent) Message {
	return Message{
		Type:      "audit",
		Action:    ev.Action,
		ActorType: ev.ActorType,
		UserID:    ev.UserID,
		Metadata:  ev.Metadata,
		At:        ev.CreatedAt,
	}
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish implements audit.Publisher.
func (h *Hub) Publish(ev model.AuditEvent) {
	h.Broadcast(NewMessage(ev))
}

// Broadcast sends a message to every client whose filter matches.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Slow client; drop rather than block the audit path.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
