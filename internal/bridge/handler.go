// Package bridge serves the chat widget to browsers: the widget page, a
// websocket per open tab and the host page integration API.
package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/chatbubble/internal/identity"
	"github.com/ashureev/chatbubble/internal/protocol"
	"github.com/go-chi/chi/v5"
)

const maxRequestBodySize = 64 << 10

// Handler serves the host page integration API.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new Handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes registers the host API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/state", h.State)
	r.Post("/api/host/login", h.Login)
	r.Post("/api/host/logout", h.Logout)
	r.Delete("/api/session", h.Reset)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type loginRequest struct {
	Token        string             `json:"token"`
	RefreshToken string             `json:"refresh_token"`
	ExpiresIn    protocol.ExpiresIn `json:"expires_in"`
}

// State returns the visitor's session.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	engine, err := h.registry.Engine(r.Context(), visitorID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	JSON(w, http.StatusOK, engine.State())
}

// Login stores credentials the host page obtained on its own and notifies
// the backend. The notification completes in the background.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		Error(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.RefreshToken == "" {
		Error(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	visitorID := identity.VisitorIDFromContext(r.Context())
	engine, err := h.registry.Engine(r.Context(), visitorID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	engine.NotifyLogin(r.Context(), req.Token, req.RefreshToken, int64(req.ExpiresIn))
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Logout clears the visitor's credentials and notifies the backend.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	engine, err := h.registry.Engine(r.Context(), visitorID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	engine.NotifyLogout(r.Context())
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Reset forgets the visitor's session, transcript and credentials.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if err := h.registry.Reset(r.Context(), visitorID); err != nil {
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
