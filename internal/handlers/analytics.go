package handlers

import (
	"net/http"
	"time"
)

// Analytics returns aggregate sync activity for the requested
// timeframe (default one hour). Read-only.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	timeframe := time.Hour
	if raw := r.URL.Query().Get("timeframe"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.Error(w, http.StatusBadRequest, "invalid timeframe")
			return
		}
		timeframe = parsed
	}

	h.JSON(w, http.StatusOK, h.offline.GetAnalytics(timeframe))
}
