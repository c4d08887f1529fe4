// Package ws carries the live delivery channel: one websocket connection per
// logged-in user, tracked by the hub and addressed by connection ID.
package ws

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tetatet/internal/models"
)

// Hub tracks live connections by connection ID. It is the delivery channel:
// everything that wants to reach a client goes through PushToConnections or
// Broadcast.
type Hub struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]*Connection),
	}
}

func (h *Hub) Add(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

// Remove drops a connection from the hub. Removing an unknown ID is a no-op,
// so a displaced connection's cleanup cannot evict its successor.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

func (h *Hub) Get(connID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// PushToConnections enqueues an event on each of the given connections.
// Enqueueing never blocks; a missing connection or a full outbound queue
// shows up in the joined error.
func (h *Hub) PushToConnections(connIDs []string, event string, payload any) error {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(connIDs))
	var errs []error
	for _, id := range connIDs {
		c, ok := h.conns[id]
		if !ok {
			errs = append(errs, fmt.Errorf("connection %q not found", id))
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Enqueue(models.ServerEvent{Event: event, Payload: payload}); err != nil {
			errs = append(errs, fmt.Errorf("connection %q: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Broadcast enqueues an event on every live connection. Slow consumers are
// skipped, not waited for.
func (h *Hub) Broadcast(event string, payload any) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Enqueue(models.ServerEvent{Event: event, Payload: payload}); err != nil {
			h.logger.Warnw("broadcast dropped", "conn_id", c.ID, "event", event, "error", err)
		}
	}
}
