// Package queue provides the bounded FIFO admission queue. One queue exists
// per model id; ordering is strict within a model and unspecified across
// models. A waiter is woken at most once, and is always in exactly one of
// waiting, admitted, timed out or cancelled.
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

type outcome int

const (
	outcomeAdmitted outcome = iota
	outcomeTimedOut
	outcomeCancelled
)

// Handle is the resume handle returned by Enqueue. Wait blocks until the
// entry is released, times out, is cancelled, or the context ends.
type Handle struct {
	q       *Queue
	modelID string
	elem    *list.Element
	resume  chan outcome
	timer   *time.Timer
	fired   bool // guarded by q.mu
}

// Queue is the admission queue over all models.
type Queue struct {
	mu       sync.Mutex
	maxSize  int
	enabled  bool
	perModel map[string]*list.List
	closed   bool
}

// New creates a queue bounded to maxSize entries per model. A maxSize of 0
// disables queueing entirely: every Enqueue returns ErrQueueFull.
func New(maxSize int) *Queue {
	return &Queue{
		maxSize:  maxSize,
		enabled:  maxSize > 0,
		perModel: make(map[string]*list.List),
	}
}

// Enqueue appends a waiter to the model's FIFO. The deadline bounds how long
// the entry may wait; when it fires the waiter observes ErrQueueTimeout.
func (q *Queue) Enqueue(modelID string, deadline time.Time) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, domain.ErrQueueClosed
	}
	if !q.enabled {
		return nil, domain.ErrQueueDisabled
	}

	l, ok := q.perModel[modelID]
	if !ok {
		l = list.New()
		q.perModel[modelID] = l
	}
	if l.Len() >= q.maxSize {
		return nil, domain.ErrQueueFull
	}

	h := &Handle{
		q:       q,
		modelID: modelID,
		resume:  make(chan outcome, 1),
	}
	h.elem = l.PushBack(h)

	if !deadline.IsZero() {
		h.timer = time.AfterFunc(time.Until(deadline), func() {
			q.signal(h, outcomeTimedOut)
		})
	}
	return h, nil
}

// signal fires a handle's resume channel exactly once and removes it from
// its FIFO.
func (q *Queue) signal(h *Handle, o outcome) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.signalLocked(h, o)
}

func (q *Queue) signalLocked(h *Handle, o outcome) bool {
	if h.fired {
		return false
	}
	h.fired = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if l, ok := q.perModel[h.modelID]; ok && h.elem != nil {
		l.Remove(h.elem)
		if l.Len() == 0 {
			delete(q.perModel, h.modelID)
		}
	}
	h.resume <- o
	return true
}

// TryRelease wakes at most one waiter for the model, in FIFO order. It is
// called when a counter window rolls over or a request completes. The woken
// waiter re-evaluates rate-limit rules itself.
func (q *Queue) TryRelease(modelID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.perModel[modelID]
	if !ok || l.Len() == 0 {
		return false
	}
	head := l.Front().Value.(*Handle)
	return q.signalLocked(head, outcomeAdmitted)
}

// Len reports the number of waiters for a model.
func (q *Queue) Len(modelID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.perModel[modelID]; ok {
		return l.Len()
	}
	return 0
}

// Depths returns the current queue depth per model, for the admin surface.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.perModel))
	for id, l := range q.perModel {
		out[id] = l.Len()
	}
	return out
}

// Close drains every waiter with a cancellation. Subsequent Enqueue calls
// fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	for _, l := range q.perModel {
		for e := l.Front(); e != nil; {
			next := e.Next()
			q.signalLocked(e.Value.(*Handle), outcomeCancelled)
			e = next
		}
	}
	q.perModel = make(map[string]*list.List)
}

// Wait blocks until the handle resolves. A context cancellation (client
// disconnect) withdraws the entry without consuming any budget.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case o := <-h.resume:
		switch o {
		case outcomeAdmitted:
			return nil
		case outcomeTimedOut:
			return domain.ErrQueueTimeout
		default:
			return domain.ErrQueueClosed
		}
	case <-ctx.Done():
		if h.q.signal(h, outcomeCancelled) {
			return ctx.Err()
		}
		// Lost the race: the entry was already admitted or timed out.
		o := <-h.resume
		if o == outcomeAdmitted {
			// The slot must not be wasted; pass it on.
			h.q.TryRelease(h.modelID)
		}
		return ctx.Err()
	}
}
