// Package ratelimit implements the windowed admission engine. Counters use
// fixed-origin windows keyed by (scope, model): the first request in an empty
// window pins the origin, later requests share it, and the first request past
// the boundary resets the count and advances the origin.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

// Scope names the limit that produced a decision.
type Scope string

const (
	ScopeNone   Scope = ""
	ScopeGlobal Scope = "global"
	ScopeUser   Scope = "user"
)

// Decision is the outcome of TryAdmit. Denied decisions carry the blocking
// scope and the time until that scope's window resets.
type Decision struct {
	Allowed    bool
	Scope      Scope
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// WindowStore holds the counters. Implementations must apply the
// read-then-increment as one atomic step per key.
type WindowStore interface {
	// Incr advances the counter for key inside its current window. It
	// returns whether the request fits under limit, the count after the
	// call, and the window's reset time. A denied call does not consume
	// budget.
	Incr(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, count int, resetAt time.Time, err error)

	// Peek reports the current count and reset time without incrementing.
	Peek(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)
}

// Engine evaluates per-model global and per-user limits against the current
// registry snapshot. Limits are read per decision, so a hot reload applies
// to the next request.
type Engine struct {
	store    WindowStore
	disabled bool
}

func NewEngine(store WindowStore, disabled bool) *Engine {
	return &Engine{store: store, disabled: disabled}
}

func globalKey(modelID string) string { return "global:" + modelID }
func userKey(userID, modelID string) string {
	return "user:" + userID + ":" + modelID
}

// TryAdmit evaluates limits in order: global first, then per-user. The first
// denial wins. When both scopes would deny, the retry-after reported is the
// nearer of the two resets.
func (e *Engine) TryAdmit(ctx context.Context, desc *domain.ModelDescriptor, userID string) (Decision, error) {
	if e.disabled {
		return Decision{Allowed: true}, nil
	}

	now := time.Now()

	if desc.GlobalLimit != nil {
		window := desc.GlobalLimit.Window.Duration()
		allowed, count, resetAt, err := e.store.Incr(ctx, globalKey(desc.ID), desc.GlobalLimit.Requests, window)
		if err != nil {
			return Decision{}, err
		}
		if !allowed {
			retryAfter := resetAt.Sub(now)
			// Report the nearer reset if the user window would also deny.
			if desc.UserLimit != nil && userID != "" {
				uCount, uReset, uErr := e.store.Peek(ctx, userKey(userID, desc.ID), desc.UserLimit.Window.Duration())
				if uErr == nil && uCount >= desc.UserLimit.Requests && uReset.Before(resetAt) {
					retryAfter = uReset.Sub(now)
				}
			}
			return Decision{
				Scope:      ScopeGlobal,
				Limit:      desc.GlobalLimit.Requests,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: ceilDuration(retryAfter),
			}, nil
		}
		if desc.UserLimit == nil || userID == "" {
			return Decision{
				Allowed:   true,
				Limit:     desc.GlobalLimit.Requests,
				Remaining: desc.GlobalLimit.Requests - count,
				ResetAt:   resetAt,
			}, nil
		}
	}

	if desc.UserLimit != nil && userID != "" {
		window := desc.UserLimit.Window.Duration()
		allowed, count, resetAt, err := e.store.Incr(ctx, userKey(userID, desc.ID), desc.UserLimit.Requests, window)
		if err != nil {
			return Decision{}, err
		}
		if !allowed {
			return Decision{
				Scope:      ScopeUser,
				Limit:      desc.UserLimit.Requests,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: ceilDuration(resetAt.Sub(now)),
			}, nil
		}
		return Decision{
			Allowed:   true,
			Limit:     desc.UserLimit.Requests,
			Remaining: desc.UserLimit.Requests - count,
			ResetAt:   resetAt,
		}, nil
	}

	return Decision{Allowed: true}, nil
}

func ceilDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

// InMemoryStore keeps windows in sharded maps; contention stays local to a
// shard.
type InMemoryStore struct {
	shards [shardCount]shard
}

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*window)
	}
	return s
}

func (s *InMemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *InMemoryStore) Incr(ctx context.Context, key string, limit int, windowDur time.Duration) (bool, int, time.Time, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	w, ok := sh.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 0, resetAt: now.Add(windowDur)}
		sh.windows[key] = w
	}

	if w.count >= limit {
		return false, w.count, w.resetAt, nil
	}
	w.count++
	return true, w.count, w.resetAt, nil
}

func (s *InMemoryStore) Peek(ctx context.Context, key string, windowDur time.Duration) (int, time.Time, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	w, ok := sh.windows[key]
	if !ok || !now.Before(w.resetAt) {
		return 0, now.Add(windowDur), nil
	}
	return w.count, w.resetAt, nil
}
