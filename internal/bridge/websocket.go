package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/ashureev/chatbubble/internal/identity"
	"github.com/ashureev/chatbubble/internal/widget"
	"github.com/coder/websocket"
)

// WebSocketHandler connects a browser widget to the visitor's engine. The
// socket acts as one more view of the engine.
type WebSocketHandler struct {
	registry      *Registry
	sockets       *SocketManager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(registry *Registry, sockets *SocketManager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		registry:      registry,
		sockets:       sockets,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		Error(w, http.StatusUnauthorized, "missing visitor identity")
		return
	}
	slog.Info("WebSocket connection request", "visitor_id", visitorID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	engine, err := h.registry.Engine(r.Context(), visitorID)
	if err != nil {
		slog.Error("Failed to load visitor engine", "error", err, "visitor_id", visitorID)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "visitor_id", visitorID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "visitor_id", visitorID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(visitorID, ws, slog.Default().With("visitor_id", visitorID))
	h.sockets.Register(c)
	defer h.sockets.Unregister(c)

	detach := engine.Attach(socketView{c: c})
	defer detach()
	defer h.registry.Touch(visitorID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop(ctx)
	}()

	h.readLoop(ctx, ws, c, engine)
	cancel()
	<-writerDone
	slog.Info("Widget session ended", "visitor_id", visitorID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, c *client, engine *widget.Engine) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "visitor_id", c.visitorID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "visitor_id", c.visitorID)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring undecodable message", "error", err, "visitor_id", c.visitorID)
			continue
		}

		switch msg.Type {
		case msgSubmit:
			h.runTurn(ctx, c, func(ctx context.Context) error { return engine.Submit(ctx, msg.Values) })
		case msgQuickReply:
			action := msg.Action
			h.runTurn(ctx, c, func(ctx context.Context) error { return engine.SelectQuickReply(ctx, action) })
		case msgToggle:
			engine.Toggle()
		case msgPing:
			c.enqueue(Event{Type: EventPong})
		default:
			slog.Debug("Ignoring unknown message type", "type", msg.Type, "visitor_id", c.visitorID)
		}
		h.registry.Touch(c.visitorID)
	}
}

// runTurn submits in the background so the socket keeps reading. The turn
// outlives the socket: a reply that arrives after the tab closed is still
// recorded.
func (h *WebSocketHandler) runTurn(ctx context.Context, c *client, submit func(context.Context) error) {
	go playTurn(context.WithoutCancel(ctx), c, submit)
}

// playTurn runs one submission. Rejected submissions and panics are reported
// to the sending socket only; failed exchanges are already rendered by the
// engine.
func playTurn(ctx context.Context, c *client, submit func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Turn panicked", "panic", r, "visitor_id", c.visitorID, "stack", string(debug.Stack()))
			c.enqueue(Event{Type: EventError, Value: "internal"})
		}
	}()

	err := submit(ctx)
	switch {
	case errors.Is(err, widget.ErrBusy):
		c.enqueue(Event{Type: EventError, Value: "busy"})
	case errors.Is(err, widget.ErrEmptyField):
		c.enqueue(Event{Type: EventError, Value: "empty_field"})
	case err != nil:
		slog.Debug("Turn failed", "error", err, "visitor_id", c.visitorID)
	}
}
