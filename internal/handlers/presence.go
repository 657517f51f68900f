package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ghostspeak/relay/internal/models"
)

// PresenceResponse is the presence lookup response.
type PresenceResponse struct {
	Agent    string                `json:"agent"`
	Status   models.PresenceStatus `json:"status"`
	LastSeen string                `json:"last_seen,omitempty"`
}

// GetPresence returns an agent's availability.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	resp := PresenceResponse{
		Agent:  agent,
		Status: h.presence.Get(agent),
	}
	if lastSeen, ok := h.presence.LastSeen(agent); ok {
		resp.LastSeen = lastSeen.UTC().Format("2006-01-02T15:04:05Z")
	}
	h.JSON(w, http.StatusOK, resp)
}

// SetPresenceRequest updates an agent's advertised availability.
type SetPresenceRequest struct {
	Status models.PresenceStatus `json:"status,omitempty"`
	Typing *bool                 `json:"typing,omitempty"`
}

// SetPresence updates an agent's status or typing state.
func (h *Handler) SetPresence(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	var req SetPresenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Status != "" {
		switch req.Status {
		case models.PresenceOnline, models.PresenceOffline, models.PresenceBusy, models.PresenceAway:
		default:
			h.Error(w, http.StatusBadRequest, "unknown presence status")
			return
		}
		h.presence.Set(agent, req.Status)
	}
	if req.Typing != nil {
		h.presence.SetTyping(agent, *req.Typing)
	}

	h.JSON(w, http.StatusOK, PresenceResponse{Agent: agent, Status: h.presence.Get(agent)})
}
