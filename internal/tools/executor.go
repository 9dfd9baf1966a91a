package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
	"github.com/google/uuid"
)

// Execution states.
const (
	StateQueued    = "queued"
	StateExecuting = "executing"
	StatePaused    = "paused"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Execution is the externally visible record of one tool run.
type Execution struct {
	ID         string     `json:"execution_id"`
	ToolID     string     `json:"tool_id"`
	ModelID    string     `json:"model_id"`
	Principal  string     `json:"principal"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Control carries the cooperative pause/cancel flags for a running handler.
type Control struct {
	mu     sync.Mutex
	gate   chan struct{} // non-nil while paused; closed on resume
	cancel context.CancelFunc
}

// Checkpoint blocks while the execution is paused and returns the context
// error once the execution is cancelled. Handlers call it between units of
// work.
func (c *Control) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (c *Control) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

func (c *Control) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

type execState struct {
	record Execution
	ctl    *Control
}

// Executor runs tools with per-tool windowed rate limits, bounded runtimes
// and an event bus. It owns the execution records and retains terminal ones
// for a bounded window.
type Executor struct {
	registry  *Registry
	store     ratelimit.WindowStore
	bus       *Bus
	retention time.Duration

	mu         sync.Mutex
	executions map[string]*execState
}

const defaultMaxExecution = 30 * time.Second

func NewExecutor(registry *Registry, store ratelimit.WindowStore, bus *Bus, retention time.Duration) *Executor {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Executor{
		registry:   registry,
		store:      store,
		bus:        bus,
		retention:  retention,
		executions: make(map[string]*execState),
	}
}

// Execute runs one tool call on behalf of a model and principal. Errors from
// the handler itself are returned to the caller, which folds them into the
// tool-result message; only gate failures (unknown tool, auth, rate limit)
// should become HTTP errors.
func (e *Executor) Execute(ctx context.Context, toolID string, args map[string]any, modelID, principal string) (any, error) {
	desc, err := e.registry.Get(toolID)
	if err != nil {
		return nil, err
	}
	if !desc.Enabled {
		return nil, domain.ErrToolDisabled
	}
	if desc.RequiresAuth && principal == "" {
		return nil, domain.ErrUnauthorized
	}
	if err := e.checkRateLimit(ctx, desc); err != nil {
		return nil, err
	}
	handler, ok := e.registry.Handler(desc)
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", toolID, domain.ErrToolNotFound)
	}

	maxRun := defaultMaxExecution
	if desc.MaxExecutionSecs > 0 {
		maxRun = time.Duration(desc.MaxExecutionSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, maxRun)
	defer cancel()

	ctl := &Control{cancel: cancel}
	state := &execState{
		record: Execution{
			ID:        uuid.New().String(),
			ToolID:    toolID,
			ModelID:   modelID,
			Principal: principal,
			State:     StateExecuting,
			StartedAt: time.Now(),
		},
		ctl: ctl,
	}

	e.mu.Lock()
	e.executions[state.record.ID] = state
	e.mu.Unlock()

	e.bus.Publish(Event{ExecutionID: state.record.ID, ToolID: toolID, Type: EventStarted})
	slog.Debug("tool execution started", "execution_id", state.record.ID, "tool_id", toolID, "model_id", modelID)

	result, err := handler(runCtx, ctl, args)

	now := time.Now()
	e.mu.Lock()
	state.record.FinishedAt = &now
	switch {
	case err == nil:
		state.record.State = StateCompleted
		state.record.Result = result
	case runCtx.Err() != nil && ctx.Err() != nil:
		state.record.State = StateCancelled
		state.record.Error = err.Error()
	default:
		state.record.State = StateFailed
		state.record.Error = err.Error()
	}
	terminal := state.record.State
	e.mu.Unlock()

	switch terminal {
	case StateCompleted:
		e.bus.Publish(Event{ExecutionID: state.record.ID, ToolID: toolID, Type: EventCompleted})
	case StateCancelled:
		e.bus.Publish(Event{ExecutionID: state.record.ID, ToolID: toolID, Type: EventCancelled})
	default:
		e.bus.Publish(Event{
			ExecutionID: state.record.ID,
			ToolID:      toolID,
			Type:        EventFailed,
			Data:        map[string]any{"error": state.record.Error},
		})
	}

	slog.Debug("tool execution finished",
		"execution_id", state.record.ID,
		"tool_id", toolID,
		"state", terminal,
		"duration", now.Sub(state.record.StartedAt),
	)

	return result, err
}

func (e *Executor) checkRateLimit(ctx context.Context, desc *domain.ToolDescriptor) error {
	checks := []struct {
		limit  int
		window time.Duration
		label  string
	}{
		{desc.RateLimit.PerMinute, time.Minute, "minute"},
		{desc.RateLimit.PerHour, time.Hour, "hour"},
		{desc.RateLimit.PerDay, 24 * time.Hour, "day"},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		allowed, _, _, err := e.store.Incr(ctx, "tool:"+desc.ID+":"+c.label, c.limit, c.window)
		if err != nil {
			return err
		}
		if !allowed {
			return domain.ErrToolRateLimited
		}
	}
	return nil
}

// Get returns a copy of an execution record.
func (e *Executor) Get(executionID string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.executions[executionID]; ok {
		return s.record, true
	}
	return Execution{}, false
}

// List returns all known execution records, newest first.
func (e *Executor) List() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, 0, len(e.executions))
	for _, s := range e.executions {
		out = append(out, s.record)
	}
	return out
}

// Pause requests a cooperative pause; the handler stalls at its next
// checkpoint.
func (e *Executor) Pause(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.executions[executionID]
	if !ok {
		return domain.ErrToolNotFound
	}
	if s.record.State != StateExecuting {
		return fmt.Errorf("execution %s is %s, cannot pause", executionID, s.record.State)
	}
	s.record.State = StatePaused
	s.ctl.pause()
	e.bus.Publish(Event{ExecutionID: executionID, ToolID: s.record.ToolID, Type: EventPaused})
	return nil
}

// Resume releases a paused execution.
func (e *Executor) Resume(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.executions[executionID]
	if !ok {
		return domain.ErrToolNotFound
	}
	if s.record.State != StatePaused {
		return fmt.Errorf("execution %s is %s, cannot resume", executionID, s.record.State)
	}
	s.record.State = StateExecuting
	s.ctl.resume()
	e.bus.Publish(Event{ExecutionID: executionID, ToolID: s.record.ToolID, Type: EventResumed})
	return nil
}

// Cancel aborts a queued, executing or paused execution.
func (e *Executor) Cancel(executionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.executions[executionID]
	if !ok {
		return domain.ErrToolNotFound
	}
	switch s.record.State {
	case StateCompleted, StateFailed, StateCancelled:
		return fmt.Errorf("execution %s already %s", executionID, s.record.State)
	}
	s.ctl.resume()
	s.ctl.cancel()
	return nil
}

// Sweep evicts terminal records older than the retention window. Called
// periodically by the composition root.
func (e *Executor) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	evicted := 0
	for id, s := range e.executions {
		switch s.record.State {
		case StateCompleted, StateFailed, StateCancelled:
			if s.record.FinishedAt != nil && now.Sub(*s.record.FinishedAt) > e.retention {
				delete(e.executions, id)
				evicted++
			}
		}
	}
	return evicted
}
