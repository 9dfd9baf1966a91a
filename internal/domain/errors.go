package domain

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrModelDisabled    = errors.New("model disabled")
	ErrConflict         = errors.New("model already exists")
	ErrProviderNotFound = errors.New("provider not found")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrUserNotFound     = errors.New("user not found")

	ErrQueueFull     = errors.New("queue full")
	ErrQueueTimeout  = errors.New("queue timeout")
	ErrQueueClosed   = errors.New("queue shutting down")
	ErrQueueDisabled = errors.New("queueing disabled")

	ErrToolNotFound     = errors.New("tool not found")
	ErrToolDisabled     = errors.New("tool disabled")
	ErrToolNotAllowed   = errors.New("tool not allowed for model")
	ErrToolRateLimited  = errors.New("tool rate limit exceeded")
	ErrToolLoopExceeded = errors.New("tool_loop_exceeded")

	ErrTokenUsed      = errors.New("token already used")
	ErrTokenExpired   = errors.New("token expired")
	ErrCooldownActive = errors.New("token mint cooldown active")
	ErrMintRateLimit  = errors.New("token mint rate limit exceeded")
)

// ValidationError reports a request or descriptor field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps a provider-side failure. Retryable distinguishes
// transient upstream conditions (429, 5xx) from permanent ones.
type UpstreamError struct {
	Provider  string
	Status    int
	Retryable bool
	Message   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error: status=%d message=%s", e.Provider, e.Status, e.Message)
}

// ProtocolError indicates the upstream returned a body the adapter could not
// decode.
type ProtocolError struct {
	Provider string
	Cause    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %v", e.Provider, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// ConfigError indicates a missing or invalid upstream credential or endpoint.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s config error: %s", e.Provider, e.Reason)
}
