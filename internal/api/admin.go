package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/auth"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/crypto"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

func (h *Handler) registerAdminRoutes() {
	h.mux.HandleFunc("GET /api/admin/models", h.withAdmin(h.adminListModels))
	h.mux.HandleFunc("POST /api/admin/models", h.withAdmin(h.adminCreateModel))
	h.mux.HandleFunc("GET /api/admin/models/{id...}", h.withAdmin(h.adminGetModel))
	h.mux.HandleFunc("PUT /api/admin/models/{id...}", h.withAdmin(h.adminUpdateModel))
	h.mux.HandleFunc("DELETE /api/admin/models/{id...}", h.withAdmin(h.adminDeleteModel))

	h.mux.HandleFunc("GET /api/admin/tools", h.withAdmin(h.adminListTools))
	h.mux.HandleFunc("PUT /api/admin/tools/{id}", h.withAdmin(h.adminUpdateTool))

	h.mux.HandleFunc("GET /api/admin/executions", h.withAdmin(h.adminListExecutions))
	h.mux.HandleFunc("POST /api/admin/executions/{id}/pause", h.withAdmin(h.adminPauseExecution))
	h.mux.HandleFunc("POST /api/admin/executions/{id}/resume", h.withAdmin(h.adminResumeExecution))
	h.mux.HandleFunc("POST /api/admin/executions/{id}/cancel", h.withAdmin(h.adminCancelExecution))

	h.mux.HandleFunc("GET /api/admin/dashboard/stats", h.withAdmin(h.adminDashboardStats))

	h.mux.HandleFunc("GET /api/admin/users", h.withAdmin(h.adminListUsers))
	h.mux.HandleFunc("POST /api/admin/users", h.withAdmin(h.adminCreateUser))
	h.mux.HandleFunc("PUT /api/admin/users/{id}/status", h.withAdmin(h.adminUpdateUserStatus))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "username and password are required")
		return
	}

	token, user, err := h.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		h.logger.Warn("login failed", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid credentials")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token": token,
		"user":  user,
	})
}

func (h *Handler) adminListModels(w http.ResponseWriter, r *http.Request) {
	models := h.registry.Snapshot().List()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"models": models,
		"count":  len(models),
	})
}

func (h *Handler) adminGetModel(w http.ResponseWriter, r *http.Request) {
	desc, err := h.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "model_not_found", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(desc)
}

func (h *Handler) adminCreateModel(w http.ResponseWriter, r *http.Request) {
	var desc domain.ModelDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	if err := h.registry.Create(&desc); err != nil {
		writeRegistryError(w, err)
		return
	}

	h.logger.Info("model created", "model", desc.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(desc)
}

func (h *Handler) adminUpdateModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var desc domain.ModelDescriptor
	if err := json.NewDecoder(r.Body).Decode(&desc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}

	if err := h.registry.Update(id, &desc); err != nil {
		writeRegistryError(w, err)
		return
	}

	h.logger.Info("model updated", "model", id)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(desc)
}

func (h *Handler) adminDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.registry.Delete(id); err != nil {
		writeRegistryError(w, err)
		return
	}

	h.logger.Info("model deleted", "model", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeRegistryError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "invalid_request_error", validationErr.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "model_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (h *Handler) adminListTools(w http.ResponseWriter, r *http.Request) {
	descriptors := h.tools.List()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tools": descriptors,
		"count": len(descriptors),
	})
}

func (h *Handler) adminUpdateTool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "enabled is required")
		return
	}

	if err := h.tools.SetEnabled(id, *req.Enabled); err != nil {
		if errors.Is(err, domain.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, "tool_not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	h.logger.Info("tool updated", "tool", id, "enabled", *req.Enabled)

	desc, err := h.tools.Get(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(desc)
}

func (h *Handler) adminListExecutions(w http.ResponseWriter, r *http.Request) {
	executions := h.executor.List()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}

func (h *Handler) adminPauseExecution(w http.ResponseWriter, r *http.Request) {
	h.controlExecution(w, r, h.executor.Pause)
}

func (h *Handler) adminResumeExecution(w http.ResponseWriter, r *http.Request) {
	h.controlExecution(w, r, h.executor.Resume)
}

func (h *Handler) adminCancelExecution(w http.ResponseWriter, r *http.Request) {
	h.controlExecution(w, r, h.executor.Cancel)
}

func (h *Handler) controlExecution(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := r.PathValue("id")

	if err := op(id); err != nil {
		writeError(w, http.StatusNotFound, "execution_not_found", err.Error())
		return
	}

	execution, ok := h.executor.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "execution_not_found", "execution not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(execution)
}

func (h *Handler) adminDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"usage":           h.usage.Snapshot(),
		"queue_depths":    h.queue.Depths(),
		"active_sessions": h.broker.ActiveSessions(),
		"providers":       h.health.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (h *Handler) adminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		h.logger.Error("list users failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"users": users,
		"count": len(users),
	})
}

func (h *Handler) adminCreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Status   string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "username and password are required")
		return
	}
	if req.Status == "" {
		req.Status = domain.StatusPending
	}
	if !validStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "status must be pending, active or admin")
		return
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	now := time.Now()
	user := &domain.User{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: passwordHash,
		APIKeyHash:   crypto.HashAPIKey(apiKey),
		Status:       req.Status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.users.Create(ctx, user); err != nil {
		h.logger.Error("create user failed", "error", err)
		writeError(w, http.StatusConflict, "conflict", "user already exists")
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "username", user.Username)

	// The raw key is returned exactly once.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"user":    user,
		"api_key": apiKey,
	})
}

func (h *Handler) adminUpdateUserStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
		return
	}
	if !validStatus(req.Status) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "status must be pending, active or admin")
		return
	}

	user, err := h.users.GetByID(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found", "user not found")
		return
	}

	user.Status = req.Status
	user.UpdatedAt = time.Now()

	if err := h.users.Update(ctx, user); err != nil {
		h.logger.Error("update user failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	h.logger.Info("user status updated", "user_id", id, "status", req.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

func validStatus(status string) bool {
	switch status {
	case domain.StatusPending, domain.StatusActive, domain.StatusAdmin:
		return true
	}
	return false
}
