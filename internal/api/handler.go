package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikkoParkkola/translate-gateway/internal/domain"
	"github.com/MikkoParkkola/translate-gateway/internal/orchestrator"
	"github.com/MikkoParkkola/translate-gateway/internal/queue"
	"github.com/MikkoParkkola/translate-gateway/internal/registry"
	"github.com/MikkoParkkola/translate-gateway/internal/telemetry"
)

type HandlerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	// Queue is optional; nil disables the async job endpoint.
	Queue queue.Queue
	// Admin is optional; nil leaves the admin surface unmounted.
	Admin *AdminHandler
	// ReadyCheckers gate /health/ready.
	ReadyCheckers []HealthChecker
}

type Handler struct {
	orchestrator *orchestrator.Orchestrator
	registry     *registry.Registry
	queue        queue.Queue
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		orchestrator: cfg.Orchestrator,
		registry:     cfg.Registry,
		queue:        cfg.Queue,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/translate", h.handleTranslate)
	h.mux.HandleFunc("POST /v1/translate/batch", h.handleTranslateBatch)
	h.mux.HandleFunc("GET /v1/languages", h.handleListLanguages)
	h.mux.HandleFunc("GET /v1/providers", h.handleListProviders)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.ReadyCheckers, 5*time.Second))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Queue != nil {
		h.mux.HandleFunc("POST /v1/jobs", h.handleSubmitJob)
	}
	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type translateRequest struct {
	Text       string   `json:"text"`
	Texts      []string `json:"texts"`
	SourceLang string   `json:"sourceLang"`
	TargetLang string   `json:"targetLang"`
	Strategy   string   `json:"strategy,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Priority   int      `json:"priority,omitempty"`
}

func (req *translateRequest) options(skipCache bool) domain.TranslateOptions {
	return domain.TranslateOptions{
		Strategy: domain.Strategy(req.Strategy),
		Provider: req.Provider,
		Priority: req.Priority,
		NoCache:  skipCache,
	}
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	skipCache := r.Header.Get("X-Skip-Cache") == "true"
	result, err := h.orchestrator.Translate(r.Context(), req.Text, req.SourceLang, req.TargetLang, req.options(skipCache))
	if err != nil {
		writeTranslateError(w, err, requestID)
		return
	}

	slog.Info("request completed",
		"request_id", requestID,
		"trace_id", telemetry.TraceID(r.Context()),
		"provider", result.Provider,
		"source_lang", result.SourceLang,
		"target_lang", result.TargetLang,
		"cached", result.Cached,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	if result.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(result)
}

func (h *Handler) handleTranslateBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Texts) == 0 {
		writeError(w, http.StatusBadRequest, "texts is required")
		return
	}

	skipCache := r.Header.Get("X-Skip-Cache") == "true"
	results, err := h.orchestrator.TranslateBatch(r.Context(), req.Texts, req.SourceLang, req.TargetLang, req.options(skipCache))
	if err != nil {
		writeTranslateError(w, err, requestID)
		return
	}

	slog.Info("batch completed",
		"request_id", requestID,
		"count", len(results),
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (h *Handler) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Texts) == 0 {
		writeError(w, http.StatusBadRequest, "texts is required")
		return
	}

	job := queue.Job{
		ID:         uuid.New().String(),
		Texts:      req.Texts,
		SourceLang: req.SourceLang,
		TargetLang: req.TargetLang,
		Options:    req.options(false),
		CreatedAt:  time.Now(),
	}

	if err := h.queue.SendJob(r.Context(), job); err != nil {
		slog.Error("failed to enqueue job", "error", err, "job_id", job.ID)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"jobId": job.ID})
}

func (h *Handler) handleListLanguages(w http.ResponseWriter, r *http.Request) {
	// Union of every enabled provider's declared languages.
	langs := make(map[string]bool)
	for _, p := range h.registry.List() {
		if !p.Enabled {
			continue
		}
		for lang := range p.Languages {
			langs[lang] = true
		}
	}

	list := make([]string, 0, len(langs))
	for lang := range langs {
		list = append(list, lang)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"languages": list,
		"count":     len(list),
	})
}

type providerStatus struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Enabled        bool    `json:"enabled"`
	Healthy        bool    `json:"healthy"`
	SuccessRate    float64 `json:"successRate"`
	ResponseTimeMs int64   `json:"responseTimeMs"`
	Priority       int     `json:"priority"`
}

func (h *Handler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers := h.registry.List()
	out := make([]providerStatus, 0, len(providers))
	for _, p := range providers {
		health := h.registry.Health(p.ID)
		out = append(out, providerStatus{
			ID:             p.ID,
			Name:           p.Name,
			Type:           string(p.Type),
			Enabled:        p.Enabled,
			Healthy:        health.Healthy,
			SuccessRate:    health.SuccessRate,
			ResponseTimeMs: health.ResponseTimeMs,
			Priority:       p.Priority,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"providers": out,
		"count":     len(out),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make(map[string]string)
	allHealthy := true

	for _, p := range h.registry.List() {
		if !p.Enabled {
			providers[p.ID] = "disabled"
			continue
		}
		if h.registry.Health(p.ID).Healthy {
			providers[p.ID] = "ok"
		} else {
			providers[p.ID] = "unhealthy"
			allHealthy = false
		}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"providers": providers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// writeTranslateError maps the failure taxonomy onto HTTP statuses.
func writeTranslateError(w http.ResponseWriter, err error, requestID string) {
	var te *domain.TranslateError
	if errors.As(err, &te) {
		status := http.StatusBadGateway
		switch te.Kind {
		case domain.KindUnsupported:
			status = http.StatusBadRequest
		case domain.KindRateLimited:
			status = http.StatusTooManyRequests
			if te.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(te.RetryAfter.Seconds())))
			}
		case domain.KindProviderUnavailable, domain.KindLoadFailure:
			status = http.StatusServiceUnavailable
		}

		slog.Warn("request failed",
			"request_id", requestID,
			"kind", te.Kind,
			"error", te.Message,
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-ID", requestID)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"kind":        te.Kind,
				"message":     te.Message,
				"remediation": te.Remediation,
				"retryable":   te.Retryable,
			},
		})
		return
	}

	if errors.Is(err, domain.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Error("request failed", "request_id", requestID, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": message},
	})
}
