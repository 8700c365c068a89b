package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	sendBufferSize = 128
	writeTimeout   = 10 * time.Second
)

// client is one browser connection. Writes go through a buffered queue
// drained by writeLoop, so events can be enqueued while the engine holds its
// lock.
type client struct {
	visitorID string
	ws        *websocket.Conn
	send      chan []byte
	logger    *slog.Logger

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   websocket.StatusCode
	closeReason string
}

func newClient(visitorID string, ws *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		visitorID: visitorID,
		ws:        ws,
		send:      make(chan []byte, sendBufferSize),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// enqueue never blocks. A connection that cannot keep up is closed; the
// browser reconnects and gets a full replay.
func (c *client) enqueue(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("WebSocket send queue full, closing connection", "visitor_id", c.visitorID)
		c.close(websocket.StatusPolicyViolation, "client too slow")
	}
}

// close asks writeLoop to flush pending events and close the socket.
func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason
		close(c.done)
	})
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			c.flush(ctx)
			if err := c.ws.Close(c.closeCode, c.closeReason); err != nil {
				c.logger.Debug("Failed to close websocket", "error", err, "visitor_id", c.visitorID)
			}
			return
		case data := <-c.send:
			if err := c.write(ctx, data); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("WebSocket write error", "error", err, "visitor_id", c.visitorID)
				}
				return
			}
		}
	}
}

func (c *client) flush(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			if err := c.write(ctx, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(ctx context.Context, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

// SocketManager tracks the open connections of every visitor.
type SocketManager struct {
	mu     sync.RWMutex
	active map[string]map[*client]struct{}
}

// NewSocketManager creates a new socket manager.
func NewSocketManager() *SocketManager {
	return &SocketManager{
		active: make(map[string]map[*client]struct{}),
	}
}

// Register adds a connection for its visitor.
func (m *SocketManager) Register(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[c.visitorID]; !exists {
		m.active[c.visitorID] = make(map[*client]struct{})
	}
	m.active[c.visitorID][c] = struct{}{}
	slog.Info("Widget socket registered", "visitor_id", c.visitorID, "sockets", len(m.active[c.visitorID]))
}

// Unregister removes a connection.
func (m *SocketManager) Unregister(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sockets, ok := m.active[c.visitorID]; ok {
		if _, exists := sockets[c]; exists {
			delete(sockets, c)
			if len(sockets) == 0 {
				delete(m.active, c.visitorID)
			}
			slog.Info("Widget socket unregistered", "visitor_id", c.visitorID)
		}
	}
}

// Count returns the number of open connections of a visitor.
func (m *SocketManager) Count(visitorID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[visitorID])
}

// Broadcast sends ev to every connection of a visitor.
func (m *SocketManager) Broadcast(visitorID string, ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.active[visitorID] {
		c.enqueue(ev)
	}
}

// CloseVisitor closes all connections of a visitor after their pending
// events are written.
func (m *SocketManager) CloseVisitor(visitorID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sockets, ok := m.active[visitorID]
	if !ok {
		return
	}
	for c := range sockets {
		c.close(websocket.StatusNormalClosure, reason)
	}
	delete(m.active, visitorID)
	slog.Info("Widget sockets closed", "visitor_id", visitorID, "count", len(sockets), "reason", reason)
}

// CloseAll closes every connection, used on shutdown.
func (m *SocketManager) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for visitorID, sockets := range m.active {
		for c := range sockets {
			c.close(websocket.StatusGoingAway, reason)
		}
		delete(m.active, visitorID)
	}
}
