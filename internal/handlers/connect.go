package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/registry"
)

// Connect upgrades the request to a websocket and registers the
// connection for the agent named in the path. Any prior connection for
// the agent is replaced.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if agent == "" {
		h.Error(w, http.StatusBadRequest, "agent is required")
		return
	}

	opts := models.ConnectionOptions{
		DeviceType:    r.URL.Query().Get("device_type"),
		Platform:      r.URL.Query().Get("platform"),
		AutoReconnect: r.URL.Query().Get("auto_reconnect") == "true",
	}
	if caps := r.URL.Query().Get("capabilities"); caps != "" {
		opts.Capabilities = strings.Split(caps, ",")
	}
	if status := r.URL.Query().Get("presence"); status != "" {
		opts.PresenceStatus = models.PresenceStatus(status)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // agents connect from anywhere
	})
	if err != nil {
		return // Accept already wrote the response
	}

	transport := registry.NewWebsocketTransport(context.Background(), conn)
	if _, err := h.service.Connect(r.Context(), agent, opts, transport, nil); err != nil {
		_ = transport.Close()
		return
	}
}

// Disconnect closes the agent's connection.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	if err := h.service.Disconnect(agent); err != nil {
		h.Error(w, http.StatusNotFound, "agent not connected")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// ConnectionInfo returns the agent's connection snapshot.
func (h *Handler) ConnectionInfo(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	info, ok := h.registry.Info(agent)
	if !ok {
		h.Error(w, http.StatusNotFound, "agent not connected")
		return
	}
	h.JSON(w, http.StatusOK, info)
}
