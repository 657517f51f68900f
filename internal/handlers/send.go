package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ghostspeak/relay/internal/models"
	"github.com/ghostspeak/relay/internal/offline"
	"github.com/ghostspeak/relay/internal/relay"
)

// SendRequest is the send message request body.
type SendRequest struct {
	ConversationID string                   `json:"conversation_id"`
	From           string                   `json:"from"`
	To             string                   `json:"to"`
	Type           models.MessageType       `json:"type"`
	Content        string                   `json:"content"`
	Priority       models.Priority          `json:"priority,omitempty"`
	ExpiresAt      int64                    `json:"expires_at,omitempty"`
	MaxRetries     int                      `json:"max_retries,omitempty"`
	Guarantee      models.DeliveryGuarantee `json:"guarantee,omitempty"`
	RequiresAck    bool                     `json:"requires_ack,omitempty"`
	AckTimeoutMS   int64                    `json:"ack_timeout_ms,omitempty"`
}

// SendResponse is the send message response.
type SendResponse struct {
	ID        string                `json:"id"`
	Status    models.DeliveryStatus `json:"status"`
	Platform  string                `json:"platform,omitempty"`
	LedgerRef string                `json:"ledger_ref,omitempty"`
	Timestamp int64                 `json:"ts"`
}

// Send routes a message to its recipient or into offline storage.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.From == "" || req.To == "" {
		h.Error(w, http.StatusBadRequest, "from and to are required")
		return
	}
	if req.Content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Type == "" {
		req.Type = models.TypeText
	}

	msg := models.NewMessage(req.ConversationID, req.From, req.To, req.Type, req.Content)
	if req.Priority != "" {
		msg.Priority = req.Priority
	}
	if req.ExpiresAt > 0 {
		msg.ExpiresAt = req.ExpiresAt
	}
	if req.MaxRetries > 0 {
		msg.MaxRetries = req.MaxRetries
	}
	if req.Guarantee != "" {
		msg.Guarantee = req.Guarantee
	}
	msg.RequiresAck = req.RequiresAck
	if req.AckTimeoutMS > 0 {
		msg.AckTimeout = time.Duration(req.AckTimeoutMS) * time.Millisecond
	}

	routed, err := h.service.Send(r.Context(), msg)
	if err != nil {
		var capacity *offline.StorageCapacityError
		var notConfigured *offline.NotConfiguredError
		switch {
		case errors.Is(err, relay.ErrFiltered):
			h.Error(w, http.StatusUnprocessableEntity, "message filtered by routing rules")
		case errors.As(err, &capacity):
			h.Error(w, http.StatusInsufficientStorage, capacity.Error())
		case errors.As(err, &notConfigured):
			h.Error(w, http.StatusConflict, notConfigured.Error())
		default:
			h.Error(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}

	h.JSON(w, http.StatusCreated, SendResponse{
		ID:        routed.ID,
		Status:    routed.DeliveryStatus,
		Platform:  routed.Platform,
		LedgerRef: routed.LedgerReference,
		Timestamp: routed.Timestamp,
	})
}
