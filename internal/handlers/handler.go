package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ghostspeak/relay/internal/offline"
	"github.com/ghostspeak/relay/internal/presence"
	"github.com/ghostspeak/relay/internal/registry"
	"github.com/ghostspeak/relay/internal/relay"
	"github.com/ghostspeak/relay/internal/storage"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	service  *relay.Service
	offline  *offline.Manager
	presence *presence.Tracker
	registry *registry.Registry
	backends storage.Backends
}

// NewHandler creates a new Handler with the given collaborators.
func NewHandler(service *relay.Service, off *offline.Manager, pres *presence.Tracker, reg *registry.Registry, backends storage.Backends) *Handler {
	return &Handler{
		service:  service,
		offline:  off,
		presence: pres,
		registry: reg,
		backends: backends,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
