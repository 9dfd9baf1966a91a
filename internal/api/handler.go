// Package api exposes the gateway over HTTP: the normalized chat surface,
// model listing, live-token minting, the tool event stream, and the admin
// surface. Handlers translate the internal error taxonomy to HTTP statuses.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/auth"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/broker"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/dispatch"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/health"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/metrics"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/queue"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/registry"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/repository"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/tools"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/usage"
)

type HandlerConfig struct {
	Auth        *auth.Authenticator
	Dispatcher  *dispatch.Dispatcher
	Registry    *registry.Registry
	Providers   *provider.Set
	Tools       *tools.Registry
	Executor    *tools.Executor
	Bus         *tools.Bus
	Broker      *broker.Broker
	Usage       *usage.Tracker
	Queue       *queue.Queue
	Health      *health.Tracker
	Users       repository.UserRepository
	CORSOrigins []string
	Logger      *slog.Logger
}

type Handler struct {
	auth        *auth.Authenticator
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	providers   *provider.Set
	tools       *tools.Registry
	executor    *tools.Executor
	bus         *tools.Bus
	broker      *broker.Broker
	usage       *usage.Tracker
	queue       *queue.Queue
	health      *health.Tracker
	users       repository.UserRepository
	corsOrigins []string
	logger      *slog.Logger
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		auth:        cfg.Auth,
		dispatcher:  cfg.Dispatcher,
		registry:    cfg.Registry,
		providers:   cfg.Providers,
		tools:       cfg.Tools,
		executor:    cfg.Executor,
		bus:         cfg.Bus,
		broker:      cfg.Broker,
		usage:       cfg.Usage,
		queue:       cfg.Queue,
		health:      cfg.Health,
		users:       cfg.Users,
		corsOrigins: cfg.CORSOrigins,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /api/v1/chat/completions", h.withAuth(h.handleChatCompletions))
	h.mux.HandleFunc("GET /api/v1/chat/models", h.withAuth(h.handleListModels))
	h.mux.HandleFunc("POST /api/v1/live-token", h.withAuth(h.handleMintLiveToken))
	h.mux.HandleFunc("GET /api/v1/live-token/usage", h.withAuth(h.handleLiveTokenUsage))
	h.mux.HandleFunc("GET /api/v1/tools", h.withAuth(h.handleListTools))
	h.mux.HandleFunc("GET /api/v1/tools/events", h.withAuth(h.handleToolEvents))

	h.mux.HandleFunc("POST /api/admin/auth/login", h.handleLogin)
	h.registerAdminRoutes()

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.withCORS(h.mux).ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	principal, _ := auth.PrincipalFromContext(ctx)

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	if req.Stream {
		h.streamChatCompletion(w, r, principal, req, requestID, start)
		return
	}

	resp, dec, err := h.dispatcher.Complete(ctx, principal, req)
	if err != nil {
		h.recordOutcome(req.Model, err, start)
		writeDispatchError(w, h.logger, err)
		return
	}
	writeRateLimitHeaders(w, dec)

	metrics.RecordRequest(providerOf(resp.Model, h.registry), req.Model, "ok", time.Since(start).Seconds())
	metrics.RecordTokens(providerOf(resp.Model, h.registry), req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	h.logger.Info("request completed",
		"request_id", requestID,
		"user_id", principal.UserID,
		"model", req.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, principal domain.Principal, req domain.ChatRequest, requestID string, start time.Time) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	// Resolution and admission happen inside Stream, so refusals arrive
	// here as plain errors before any SSE bytes go out.
	res, err := h.dispatcher.Stream(ctx, principal, req)
	if err != nil {
		h.recordOutcome(req.Model, err, start)
		writeDispatchError(w, h.logger, err)
		return
	}
	chunks, errs := res.Chunks, res.Errs

	// Hold off on SSE headers until the first event so an immediate
	// upstream failure still maps to a proper HTTP status.
	var first domain.StreamChunk
	var open bool
	select {
	case first, open = <-chunks:
		if !open {
			// Closed without data: the error channel explains why.
			if err := <-errs; err != nil {
				h.recordOutcome(req.Model, err, start)
				writeDispatchError(w, h.logger, err)
				return
			}
			writeError(w, http.StatusBadGateway, "upstream_error", "upstream returned an empty stream")
			return
		}
	case err := <-errs:
		if err != nil {
			h.recordOutcome(req.Model, err, start)
			writeDispatchError(w, h.logger, err)
			return
		}
	case <-ctx.Done():
		return
	}

	writeRateLimitHeaders(w, res.Decision)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	writeChunk := func(chunk domain.StreamChunk) {
		data, _ := json.Marshal(chunk)
		w.Write([]byte("data: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	if open {
		writeChunk(first)
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()

				metrics.RecordRequest(providerOf(req.Model, h.registry), req.Model, "ok", time.Since(start).Seconds())
				h.logger.Info("streaming request completed",
					"request_id", requestID,
					"user_id", principal.UserID,
					"model", req.Model,
					"latency_ms", time.Since(start).Milliseconds(),
				)
				return
			}
			writeChunk(chunk)

		case err, ok := <-errs:
			if ok && err != nil {
				h.recordOutcome(req.Model, err, start)
				h.logger.Error("streaming error", "error", err, "request_id", requestID)
				data, _ := json.Marshal(map[string]any{
					"error": errorBody{Type: "upstream_error", Message: "stream aborted"},
				})
				w.Write([]byte("data: " + string(data) + "\n\n"))
				flusher.Flush()
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) recordOutcome(modelID string, err error, start time.Time) {
	status := "error"
	var rateLimitErr *dispatch.RateLimitError
	if errors.As(err, &rateLimitErr) {
		status = "rate_limited"
		metrics.RecordRateLimitDenial(modelID, string(rateLimitErr.Decision.Scope))
	}
	metrics.RecordRequest(providerOf(modelID, h.registry), modelID, status, time.Since(start).Seconds())
}

func providerOf(modelID string, reg *registry.Registry) string {
	if desc, err := reg.Get(modelID); err == nil {
		return desc.Provider
	}
	return "unknown"
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()

	models := make([]domain.Model, 0)
	for _, desc := range snapshot.ListEnabled() {
		models = append(models, domain.Model{
			ID:      desc.ID,
			Object:  "model",
			Created: desc.CreatedAt.Unix(),
			OwnedBy: desc.Provider,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{Object: "list", Data: models})
}

func (h *Handler) handleMintLiveToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := auth.PrincipalFromContext(ctx)

	var req broker.MintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if req.DurationMinutes > 0 {
		req.Duration = time.Duration(req.DurationMinutes) * time.Minute
	}

	token, err := h.broker.Mint(ctx, principal, req)
	if err != nil {
		writeBrokerError(w, h.logger, err)
		return
	}

	snap, err := h.broker.Usage(ctx, principal.UserID)
	if err != nil {
		h.logger.Warn("live token usage lookup failed", "error", err, "user_id", principal.UserID)
	}

	metrics.RecordLiveTokenMint(token.Model)

	type mintResponse struct {
		Token              string               `json:"token"`
		ExpiresAt          string               `json:"expiresAt"`
		SessionStartWindow string               `json:"sessionStartWindow"`
		SessionID          string               `json:"sessionId"`
		Model              string               `json:"model"`
		Constraints        broker.Constraints   `json:"constraints"`
		Usage              broker.UsageSnapshot `json:"usage"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(mintResponse{
		Token:              token.Value,
		ExpiresAt:          token.ExpiresAt.UTC().Format(time.RFC3339),
		SessionStartWindow: token.StartBy.UTC().Format(time.RFC3339),
		SessionID:          token.SessionID,
		Model:              token.Model,
		Constraints:        token.Constraints,
		Usage:              snap,
	})
}

func (h *Handler) handleLiveTokenUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := auth.PrincipalFromContext(ctx)

	snap, err := h.broker.Usage(ctx, principal.UserID)
	if err != nil {
		h.logger.Error("live token usage lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (h *Handler) handleListTools(w http.ResponseWriter, r *http.Request) {
	descriptors := h.tools.List()

	type toolView struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Enabled     bool   `json:"enabled"`
	}
	views := make([]toolView, 0, len(descriptors))
	for _, t := range descriptors {
		views = append(views, toolView{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Enabled:     t.Enabled,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"tools": views, "count": len(views)})
}

// handleToolEvents streams execution lifecycle events over SSE until the
// client disconnects.
func (h *Handler) handleToolEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	events, cancel := h.bus.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()

		case <-keepalive.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()

		case <-ctx.Done():
			return
		}
	}
}
