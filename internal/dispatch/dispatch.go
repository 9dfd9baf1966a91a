// Package dispatch routes normalized chat requests through admission control
// to the right upstream adapter and drives the tool-call loop. It is the only
// layer that sees the registry, the limiter, the queue and the adapters
// together.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/notifications"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/queue"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/registry"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/tools"
)

// RateLimitError carries the limiter decision so the API layer can emit
// Retry-After and X-RateLimit headers.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: scope=%s retry_after=%s", e.Decision.Scope, e.Decision.RetryAfter)
}

// UsageRecorder receives per-request token tallies after each completion.
type UsageRecorder interface {
	Record(ctx context.Context, userID, modelID string, u domain.Usage)
}

// HealthRecorder observes upstream outcomes per provider.
type HealthRecorder interface {
	RecordSuccess(providerID string)
	RecordFailure(providerID string)
}

type Config struct {
	Registry      *registry.Registry
	Providers     *provider.Set
	Limiter       *ratelimit.Engine
	Queue         *queue.Queue
	Tools         *tools.Registry
	Executor      *tools.Executor
	Usage         UsageRecorder
	Health        HealthRecorder
	Notifier      notifications.Notifier
	Logger        *slog.Logger
	WaitTimeout   time.Duration
	MaxConcurrent int
	MaxHops       int
}

type Dispatcher struct {
	registry    *registry.Registry
	providers   *provider.Set
	limiter     *ratelimit.Engine
	queue       *queue.Queue
	tools       *tools.Registry
	executor    *tools.Executor
	usage       UsageRecorder
	health      HealthRecorder
	notifier    notifications.Notifier
	logger      *slog.Logger
	waitTimeout time.Duration
	maxHops     int
	sem         chan struct{}
}

func New(cfg Config) *Dispatcher {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		providers:   cfg.Providers,
		limiter:     cfg.Limiter,
		queue:       cfg.Queue,
		tools:       cfg.Tools,
		executor:    cfg.Executor,
		usage:       cfg.Usage,
		health:      cfg.Health,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		waitTimeout: cfg.WaitTimeout,
		maxHops:     cfg.MaxHops,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
	}
}

// call holds everything resolved for one admitted request.
type call struct {
	desc      *domain.ModelDescriptor
	adapter   provider.Adapter
	req       domain.ChatRequest // upstream view: api_model, merged params
	serverRun bool               // tool calls are executed here, not by the caller
	principal domain.Principal
}

func (d *Dispatcher) prepare(principal domain.Principal, req domain.ChatRequest) (*call, error) {
	if len(req.Messages) == 0 {
		return nil, &domain.ValidationError{Field: "messages", Reason: "must not be empty"}
	}

	desc, err := d.registry.Get(req.Model)
	if err != nil {
		return nil, err
	}
	if !desc.Enabled {
		return nil, fmt.Errorf("%w: %s", domain.ErrModelDisabled, req.Model)
	}
	if req.Stream && !desc.Capabilities.Streaming {
		return nil, &domain.ValidationError{Field: "stream", Reason: "model does not support streaming"}
	}
	// Images are dropped, not rejected, when the model cannot see them.
	if req.Image != nil && !desc.Capabilities.Vision {
		req.Image = nil
	}

	// The routing block steers a descriptor off its default upstream: the
	// service picks the adapter, the endpoint replaces its base URL.
	service := desc.Provider
	if desc.Routing.Service != "" {
		service = desc.Routing.Service
	}
	adapter, err := d.providers.Get(service)
	if err != nil {
		return nil, err
	}

	domain.SanitizeRequest(&req)
	mergeParameters(&req, desc.Parameters)

	c := &call{desc: desc, adapter: adapter, req: req, principal: principal}
	c.req.Model = desc.APIModel
	c.req.Endpoint = desc.Routing.Endpoint

	if serverTools := d.tools.Definitions(desc); len(serverTools) > 0 {
		if !desc.Capabilities.FunctionCalling {
			return nil, &domain.ConfigError{Provider: desc.Provider, Reason: "model offers tools without function_calling capability"}
		}
		c.req.Tools = serverTools
		c.serverRun = true
	}
	return c, nil
}

// mergeParameters fills caller-absent sampling parameters from the model's
// defaults. A parameter absent in both stays absent upstream.
func mergeParameters(req *domain.ChatRequest, p domain.ModelParameters) {
	if req.Temperature == nil {
		req.Temperature = p.Temperature
	}
	if req.TopP == nil {
		req.TopP = p.TopP
	}
	if req.MaxTokens == nil {
		req.MaxTokens = p.MaxTokens
	}
	if req.MaxCompletionTokens == nil {
		req.MaxCompletionTokens = p.MaxCompletionTokens
	}
	if req.FrequencyPenalty == nil {
		req.FrequencyPenalty = p.FrequencyPenalty
	}
	if req.PresencePenalty == nil {
		req.PresencePenalty = p.PresencePenalty
	}
}

// admit runs the rate-limit check, parking the request in the admission
// queue when a window is exhausted. A parked request is woken either by a
// finishing request or by the window reset timer, and re-evaluates the
// limiter each time.
func (d *Dispatcher) admit(ctx context.Context, c *call) (ratelimit.Decision, error) {
	deadline := time.Now().Add(d.waitTimeout)

	for {
		dec, err := d.limiter.TryAdmit(ctx, c.desc, c.principal.UserID)
		if err != nil {
			return ratelimit.Decision{}, err
		}
		if dec.Allowed {
			return dec, nil
		}

		h, err := d.queue.Enqueue(c.desc.ID, deadline)
		if err != nil {
			if errors.Is(err, domain.ErrQueueFull) || errors.Is(err, domain.ErrQueueDisabled) {
				d.notifyRateLimited(ctx, c, dec)
				return ratelimit.Decision{}, &RateLimitError{Decision: dec}
			}
			return ratelimit.Decision{}, err
		}

		// Wake the queue head when the denied window resets; a finishing
		// request for the same model also releases a waiter.
		modelID := c.desc.ID
		wake := time.AfterFunc(dec.RetryAfter, func() { d.queue.TryRelease(modelID) })

		// A fired wait deadline propagates ErrQueueTimeout as-is; only a
		// refused enqueue is a rate-limit outcome.
		err = h.Wait(ctx)
		wake.Stop()
		if err != nil {
			return ratelimit.Decision{}, err
		}
	}
}

func (d *Dispatcher) notifyRateLimited(ctx context.Context, c *call, dec ratelimit.Decision) {
	if d.notifier == nil {
		return
	}
	n := notifications.Notification{
		Type:    notifications.TypeRateLimited,
		UserID:  c.principal.UserID,
		Message: fmt.Sprintf("request for %s refused: %s window exhausted", c.desc.ID, dec.Scope),
		Data:    map[string]any{"model": c.desc.ID, "scope": string(dec.Scope)},
	}
	if err := d.notifier.Send(ctx, n); err != nil {
		d.logger.Error("send notification", "type", n.Type, "error", err)
	}
}

func (d *Dispatcher) acquireSlot(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) releaseSlot(modelID string) {
	<-d.sem
	d.queue.TryRelease(modelID)
}

func (d *Dispatcher) observe(providerID string, err error) {
	if d.health == nil {
		return
	}
	if err != nil {
		d.health.RecordFailure(providerID)
	} else {
		d.health.RecordSuccess(providerID)
	}
}

func (d *Dispatcher) record(ctx context.Context, c *call, modelID string, u domain.Usage) {
	if d.usage != nil {
		d.usage.Record(ctx, c.principal.UserID, modelID, u)
	}
}

// Complete handles a non-streaming chat request end to end, including the
// tool loop. The response always reports the requested model ID, never the
// upstream one. The returned decision is the limiter admission, so the API
// layer can surface the remaining budget on success.
func (d *Dispatcher) Complete(ctx context.Context, principal domain.Principal, req domain.ChatRequest) (*domain.ChatResponse, ratelimit.Decision, error) {
	requested := req.Model

	c, err := d.prepare(principal, req)
	if err != nil {
		return nil, ratelimit.Decision{}, err
	}
	dec, err := d.admit(ctx, c)
	if err != nil {
		return nil, ratelimit.Decision{}, err
	}
	if err := d.acquireSlot(ctx); err != nil {
		return nil, dec, err
	}
	defer d.releaseSlot(c.desc.ID)

	var total domain.Usage
	conv := c.req.Messages

	for hop := 0; ; hop++ {
		if hop >= d.maxHops {
			return nil, dec, fmt.Errorf("%w: %d hops", domain.ErrToolLoopExceeded, hop)
		}

		hopReq := c.req
		hopReq.Messages = conv

		start := time.Now()
		resp, err := c.adapter.ChatCompletion(ctx, hopReq)
		d.observe(c.adapter.ID(), err)
		if err != nil {
			return nil, dec, err
		}
		d.logger.Debug("upstream hop complete",
			"model", requested, "provider", c.adapter.ID(),
			"hop", hop, "duration", time.Since(start))

		total.Add(resp.Usage)

		if len(resp.Choices) == 0 {
			return nil, dec, &domain.ProtocolError{Provider: c.adapter.ID(), Cause: fmt.Errorf("no choices")}
		}
		choice := resp.Choices[0]

		if c.serverRun && choice.FinishReason == domain.FinishToolCalls && choice.Message != nil && len(choice.Message.ToolCalls) > 0 {
			results, err := d.runToolCalls(ctx, c, choice.Message.ToolCalls)
			if err != nil {
				return nil, dec, err
			}
			conv = append(conv, *choice.Message)
			conv = append(conv, results...)
			continue
		}

		resp.Model = requested
		resp.Usage = total
		d.record(ctx, c, requested, total)
		return resp, dec, nil
	}
}

// runToolCalls executes each requested tool and returns the tool-role
// messages to append to the conversation. Handler failures are reported back
// to the model inside the tool result rather than failing the request; only
// gate errors (unknown tool, disallowed tool) abort.
func (d *Dispatcher) runToolCalls(ctx context.Context, c *call, calls []domain.ToolCall) ([]domain.Message, error) {
	results := make([]domain.Message, 0, len(calls))
	for _, tc := range calls {
		desc, err := d.tools.ByName(c.desc, tc.Function.Name)
		if err != nil {
			return nil, err
		}

		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				results = append(results, toolResultMessage(tc.ID, nil, fmt.Errorf("invalid arguments: %w", err)))
				continue
			}
		}

		result, err := d.executor.Execute(ctx, desc.ID, args, c.desc.ID, c.principal.UserID)
		if err != nil {
			d.logger.Warn("tool execution failed", "tool", desc.ID, "model", c.desc.ID, "error", err)
		}
		results = append(results, toolResultMessage(tc.ID, result, err))
	}
	return results, nil
}

func toolResultMessage(callID string, result any, err error) domain.Message {
	var payload []byte
	if err != nil {
		payload, _ = json.Marshal(map[string]any{"error": err.Error()})
	} else {
		payload, _ = json.Marshal(result)
	}
	return domain.Message{
		Role:       domain.RoleTool,
		ToolCallID: callID,
		Content:    string(payload),
	}
}
