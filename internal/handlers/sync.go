package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/offline"
)

// ConfigureStorageRequest is the offline storage configuration body.
type ConfigureStorageRequest struct {
	PrimaryStrategy   models.StorageStrategy `json:"primary_strategy"`
	BackupStrategy    models.StorageStrategy `json:"backup_strategy,omitempty"`
	MaxStorageSize    int64                  `json:"max_storage_size"`
	RetentionPeriodMS int64                  `json:"retention_period_ms"`
	EncryptionEnabled bool                   `json:"encryption_enabled,omitempty"`

	SyncStrategy         models.SyncStrategy     `json:"sync_strategy,omitempty"`
	MaxOfflineTimeMS     int64                   `json:"max_offline_time_ms,omitempty"`
	PriorityThreshold    models.Priority         `json:"priority_threshold,omitempty"`
	AutoResolveConflicts bool                    `json:"auto_resolve_conflicts,omitempty"`
	ConflictStrategy     models.ConflictStrategy `json:"conflict_strategy,omitempty"`
}

// ConfigureStorage installs offline storage for an agent.
func (h *Handler) ConfigureStorage(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	var req ConfigureStorageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := models.StorageConfig{
		PrimaryStrategy:   req.PrimaryStrategy,
		BackupStrategy:    req.BackupStrategy,
		MaxStorageSize:    req.MaxStorageSize,
		RetentionPeriod:   time.Duration(req.RetentionPeriodMS) * time.Millisecond,
		EncryptionEnabled: req.EncryptionEnabled,
	}
	prefs := models.SyncPreferences{
		Strategy:             req.SyncStrategy,
		MaxOfflineTime:       time.Duration(req.MaxOfflineTimeMS) * time.Millisecond,
		PriorityThreshold:    req.PriorityThreshold,
		AutoResolveConflicts: req.AutoResolveConflicts,
		ConflictStrategy:     req.ConflictStrategy,
	}

	if err := h.offline.ConfigureStorage(r.Context(), agent, cfg, prefs); err != nil {
		var confErr *offline.ConfigurationError
		if errors.As(err, &confErr) {
			h.Error(w, http.StatusBadRequest, confErr.Error())
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to configure storage")
		return
	}
	h.JSON(w, http.StatusCreated, map[string]string{"status": "configured"})
}

// StartSyncRequest narrows a sync session.
type StartSyncRequest struct {
	Strategy          models.SyncStrategy `json:"strategy,omitempty"`
	PriorityThreshold models.Priority     `json:"priority_threshold,omitempty"`
	Conversation      string              `json:"conversation,omitempty"`
	Since             int64               `json:"since,omitempty"`
	Until             int64               `json:"until,omitempty"`
	MaxMessages       int                 `json:"max_messages,omitempty"`
	MessageIDs        []string            `json:"message_ids,omitempty"`
}

// StartSync opens a sync session for a reconnecting agent and
// processes its backlog.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	var req StartSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	sess, err := h.offline.StartSyncSession(r.Context(), agent, offline.SessionOptions{
		Strategy:          req.Strategy,
		PriorityThreshold: req.PriorityThreshold,
		Conversation:      req.Conversation,
		Since:             req.Since,
		Until:             req.Until,
		MaxMessages:       req.MaxMessages,
		MessageIDs:        req.MessageIDs,
	})
	if err != nil {
		var notConfigured *offline.NotConfiguredError
		if errors.As(err, &notConfigured) {
			h.Error(w, http.StatusConflict, notConfigured.Error())
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to start sync session")
		return
	}
	h.JSON(w, http.StatusOK, sess)
}

// SyncStatus returns the agent's sync snapshot.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	view, err := h.offline.SyncStatus(agent)
	if err != nil {
		h.Error(w, http.StatusNotFound, "agent has no sync state")
		return
	}
	h.JSON(w, http.StatusOK, view)
}
