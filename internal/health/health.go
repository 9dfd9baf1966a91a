// Package health tracks per-provider availability from observed request
// outcomes. The tracker never blocks admission; it only reports state and
// raises notifications when a provider flips between healthy and down.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/notifications"
)

type State int

const (
	StateHealthy State = iota
	StateDown
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDown:
		return "down"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Config controls when a provider is marked down and when it may recover.
type Config struct {
	// FailureThreshold is the number of consecutive failures before a
	// provider is marked down.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive successes while
	// recovering before a provider is marked healthy again.
	SuccessThreshold int

	// Probation is how long a down provider stays down before a success
	// can move it to recovering.
	Probation time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Probation:        30 * time.Second,
	}
}

type providerState struct {
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	lastSuccess time.Time
}

// Tracker keeps one state machine per provider ID.
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	config    Config
	notifier  notifications.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Tracker)

func WithNotifier(n notifications.Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Probation <= 0 {
		cfg.Probation = DefaultConfig().Probation
	}
	t := &Tracker{
		providers: make(map[string]*providerState),
		config:    cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) get(providerID string) *providerState {
	ps, ok := t.providers[providerID]
	if !ok {
		ps = &providerState{state: StateHealthy}
		t.providers[providerID] = ps
	}
	return ps
}

func (t *Tracker) RecordSuccess(providerID string) {
	t.mu.Lock()
	ps := t.get(providerID)
	ps.lastSuccess = t.now()
	var recovered bool

	switch ps.state {
	case StateHealthy:
		ps.failures = 0
	case StateDown:
		if t.now().Sub(ps.lastFailure) >= t.config.Probation {
			ps.state = StateRecovering
			ps.successes = 1
		}
	case StateRecovering:
		ps.successes++
		if ps.successes >= t.config.SuccessThreshold {
			ps.state = StateHealthy
			ps.failures = 0
			ps.successes = 0
			recovered = true
		}
	}
	t.mu.Unlock()

	if recovered {
		t.logger.Info("provider recovered", "provider", providerID)
		t.notify(notifications.TypeProviderUp, providerID,
			fmt.Sprintf("provider %s is healthy again", providerID))
	}
}

func (t *Tracker) RecordFailure(providerID string) {
	t.mu.Lock()
	ps := t.get(providerID)
	ps.lastFailure = t.now()
	var wentDown bool

	switch ps.state {
	case StateHealthy:
		ps.failures++
		if ps.failures >= t.config.FailureThreshold {
			ps.state = StateDown
			wentDown = true
		}
	case StateRecovering:
		ps.state = StateDown
		ps.successes = 0
		wentDown = true
	}
	t.mu.Unlock()

	if wentDown {
		t.logger.Warn("provider marked down", "provider", providerID)
		t.notify(notifications.TypeProviderDown, providerID,
			fmt.Sprintf("provider %s marked down after repeated failures", providerID))
	}
}

func (t *Tracker) notify(typ notifications.Type, providerID, message string) {
	if t.notifier == nil {
		return
	}
	n := notifications.Notification{Type: typ, Provider: providerID, Message: message}
	if err := t.notifier.Send(context.Background(), n); err != nil {
		t.logger.Error("send notification", "type", typ, "error", err)
	}
}

// ProviderHealth is a point-in-time view of one provider.
type ProviderHealth struct {
	State       string     `json:"state"`
	Failures    int        `json:"consecutive_failures,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
}

// State returns the current state for one provider. Unknown providers are
// healthy until observed otherwise.
func (t *Tracker) State(providerID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ps, ok := t.providers[providerID]
	if !ok {
		return StateHealthy
	}
	return ps.state
}

// Snapshot reports every observed provider. IDs that were never recorded
// can be seeded with Observe so they appear as healthy.
func (t *Tracker) Snapshot() map[string]ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ProviderHealth, len(t.providers))
	for id, ps := range t.providers {
		h := ProviderHealth{State: ps.state.String(), Failures: ps.failures}
		if !ps.lastFailure.IsZero() {
			f := ps.lastFailure
			h.LastFailure = &f
		}
		if !ps.lastSuccess.IsZero() {
			s := ps.lastSuccess
			h.LastSuccess = &s
		}
		out[id] = h
	}
	return out
}

// Observe registers a provider so it shows up in Snapshot before any
// request has touched it.
func (t *Tracker) Observe(providerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(providerID)
}
