package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/dispatch"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
)

type errorBody struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeErrorDetails(w, status, typ, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, status int, typ, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": errorBody{Type: typ, Message: message, Details: details},
	})
}

// writeRateLimitHeaders sets the X-RateLimit family from a limiter decision.
// Retry-After is added only on denial.
func writeRateLimitHeaders(w http.ResponseWriter, dec ratelimit.Decision) {
	if dec.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	}
	if !dec.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", dec.ResetAt.UTC().Format(time.RFC3339))
	}
	if !dec.Allowed && dec.RetryAfter > 0 {
		secs := int(math.Ceil(dec.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

// writeDispatchError maps the dispatcher's error taxonomy onto HTTP. The
// detailed cause is logged; clients get a safe message.
func writeDispatchError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var validationErr *domain.ValidationError
	var rateLimitErr *dispatch.RateLimitError
	var upstreamErr *domain.UpstreamError
	var protocolErr *domain.ProtocolError
	var configErr *domain.ConfigError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "invalid_request_error", validationErr.Error())

	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request")

	case errors.Is(err, domain.ErrInvalidAPIKey), errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing credentials")

	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "permission_error", "forbidden")

	case errors.Is(err, domain.ErrModelNotFound), errors.Is(err, domain.ErrModelDisabled):
		writeError(w, http.StatusNotFound, "model_not_found", err.Error())

	case errors.As(err, &rateLimitErr):
		dec := rateLimitErr.Decision
		writeRateLimitHeaders(w, dec)
		writeErrorDetails(w, http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded", map[string]any{
			"scope":       string(dec.Scope),
			"limit":       dec.Limit,
			"retry_after": int(math.Ceil(dec.RetryAfter.Seconds())),
		})

	case errors.Is(err, domain.ErrQueueTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "queue_timeout", "request timed out waiting for admission")

	case errors.Is(err, domain.ErrToolLoopExceeded):
		logger.Error("tool loop exceeded", "error", err)
		writeError(w, http.StatusInternalServerError, "tool_loop_exceeded", "tool loop exceeded")

	case errors.As(err, &upstreamErr):
		logger.Error("upstream error", "provider", upstreamErr.Provider, "status", upstreamErr.Status, "error", err)
		writeErrorDetails(w, http.StatusBadGateway, "upstream_error", "upstream provider error", map[string]any{
			"provider":  upstreamErr.Provider,
			"status":    upstreamErr.Status,
			"retryable": upstreamErr.Retryable,
		})

	case errors.As(err, &protocolErr):
		logger.Error("protocol error", "provider", protocolErr.Provider, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream returned an unreadable response")

	case errors.As(err, &configErr):
		logger.Error("provider config error", "provider", configErr.Provider, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "provider not configured")

	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.

	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// writeBrokerError maps live-token broker failures.
func writeBrokerError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var validationErr *domain.ValidationError

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "invalid_request_error", validationErr.Error())

	case errors.Is(err, domain.ErrCooldownActive), errors.Is(err, domain.ErrMintRateLimit):
		writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", err.Error())

	case errors.Is(err, domain.ErrTokenUsed):
		writeError(w, http.StatusConflict, "token_used", "token already used")

	case errors.Is(err, domain.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "token expired")

	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid token")

	default:
		logger.Error("live token request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
