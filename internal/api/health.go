package api

import (
	"encoding/json"
	"net/http"
)

// handleHealth reports provider health from observed request outcomes. The
// endpoint itself stays 200 while the process is serving; degraded
// providers show up in the body.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := h.health.Snapshot()

	status := "healthy"
	for _, p := range providers {
		if p.State != "healthy" {
			status = "degraded"
			break
		}
	}

	resp := map[string]any{
		"status":    status,
		"providers": providers,
		"models":    len(h.registry.Snapshot().ListEnabled()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
