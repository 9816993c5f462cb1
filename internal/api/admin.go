package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MikkoParkkola/translate-gateway/internal/auth"
	"github.com/MikkoParkkola/translate-gateway/internal/cost"
	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/registry"
)

// AdminHandler exposes operational controls: disabling misbehaving
// providers without a restart and inspecting spend.
type AdminHandler struct {
	registry *registry.Registry
	tracker  cost.Tracker
	handler  http.Handler
}

func NewAdminHandler(reg *registry.Registry, tracker cost.Tracker, verifier *auth.Verifier) *AdminHandler {
	h := &AdminHandler{
		registry: reg,
		tracker:  tracker,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/providers/{id}/enable", h.enableProvider)
	mux.HandleFunc("POST /admin/providers/{id}/disable", h.disableProvider)
	mux.HandleFunc("GET /admin/providers/{id}/usage", h.providerUsage)

	h.handler = verifier.Middleware(mux)
	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *AdminHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")

	if err := h.registry.SetEnabled(id, enabled); err != nil {
		if errors.Is(err, domain.ErrProviderNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("provider state changed", "provider", id, "enabled", enabled)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"provider": id,
		"enabled":  enabled,
	})
}

func (h *AdminHandler) enableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *AdminHandler) disableProvider(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *AdminHandler) providerUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if h.tracker == nil {
		writeError(w, http.StatusNotImplemented, "usage tracking is not configured")
		return
	}

	since := time.Now().AddDate(0, -1, 0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		since = parsed
	}

	records, err := h.tracker.GetProviderUsage(r.Context(), id, since)
	if err != nil {
		slog.Error("failed to query usage", "provider", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	total, err := h.tracker.GetProviderTotalCost(r.Context(), id, since)
	if err != nil {
		slog.Error("failed to query total cost", "provider", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"provider":     id,
		"since":        since,
		"records":      records,
		"totalCostUsd": total,
	})
}
