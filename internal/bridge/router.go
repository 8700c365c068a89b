package bridge

import (
	"net/http"

	"github.com/ashureev/chatbubble/internal/identity"
	"github.com/ashureev/chatbubble/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds what NewRouter needs besides the handlers.
type RouterConfig struct {
	AllowedOrigins []string
	IsDev          bool
	// Page serves the widget page and its assets; nil disables it.
	Page http.Handler
}

// NewRouter wires the bridge routes.
func NewRouter(cfg RouterConfig, handler *Handler, wsHandler *WebSocketHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDev))

	handler.RegisterRoutes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	if cfg.Page != nil {
		r.Handle("/*", cfg.Page)
	}
	return r
}
