package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/offline"
)

// RecordConflictRequest registers divergent versions of one message.
type RecordConflictRequest struct {
	MessageID string                  `json:"message_id"`
	Severity  models.ConflictSeverity `json:"severity,omitempty"`
	Versions  []*models.Message       `json:"versions"`
}

// RecordConflict registers a conflict for later resolution.
func (h *Handler) RecordConflict(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	var req RecordConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Versions) < 2 {
		h.Error(w, http.StatusBadRequest, "at least two versions are required")
		return
	}
	if req.Severity == "" {
		req.Severity = models.SeverityMedium
	}

	id, err := h.offline.RecordConflict(r.Context(), agent, req.MessageID, req.Versions, req.Severity)
	if err != nil {
		h.Error(w, http.StatusConflict, err.Error())
		return
	}
	h.JSON(w, http.StatusCreated, map[string]string{"conflict_id": id})
}

// ResolveConflictsRequest is the batch resolution body.
type ResolveConflictsRequest struct {
	Resolutions []offline.ResolutionRequest `json:"resolutions"`
}

// ResolveConflictsResponse itemizes per-conflict outcomes. Partial
// success is reported, not treated as failure.
type ResolveConflictsResponse struct {
	Results  []offline.ResolutionResult `json:"results"`
	Resolved int                        `json:"resolved"`
	Failed   int                        `json:"failed"`
}

// ResolveConflicts applies resolution strategies to open conflicts.
func (h *Handler) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	var req ResolveConflictsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Resolutions) == 0 {
		h.Error(w, http.StatusBadRequest, "resolutions are required")
		return
	}

	results, err := h.offline.ResolveConflicts(r.Context(), agent, req.Resolutions)
	if err != nil {
		h.Error(w, http.StatusConflict, err.Error())
		return
	}

	resp := ResolveConflictsResponse{Results: results}
	for _, res := range results {
		if res.Resolved {
			resp.Resolved++
		} else {
			resp.Failed++
		}
	}
	h.JSON(w, http.StatusOK, resp)
}
