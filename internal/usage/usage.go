// Package usage tallies token consumption per user and model for the admin
// dashboard and, when configured, publishes per-request usage events to SQS
// for downstream billing.
package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

// Event is one completed request's consumption.
type Event struct {
	UserID    string       `json:"user_id"`
	Model     string       `json:"model"`
	Usage     domain.Usage `json:"usage"`
	Timestamp time.Time    `json:"timestamp"`
}

// Publisher ships usage events off the box. The SQS implementation is the
// production one; a nil publisher means tallies stay local.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type tally struct {
	Requests         int `json:"requests"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (t *tally) add(u domain.Usage) {
	t.Requests++
	t.PromptTokens += u.PromptTokens
	t.CompletionTokens += u.CompletionTokens
	t.TotalTokens += u.TotalTokens
}

// Tracker keeps in-memory tallies keyed by user and by model.
type Tracker struct {
	publisher Publisher

	mu      sync.Mutex
	byUser  map[string]*tally
	byModel map[string]*tally
	total   tally
	since   time.Time
}

func NewTracker(publisher Publisher) *Tracker {
	return &Tracker{
		publisher: publisher,
		byUser:    make(map[string]*tally),
		byModel:   make(map[string]*tally),
		since:     time.Now(),
	}
}

func (t *Tracker) Record(ctx context.Context, userID, modelID string, u domain.Usage) {
	t.mu.Lock()
	if _, ok := t.byUser[userID]; !ok {
		t.byUser[userID] = &tally{}
	}
	if _, ok := t.byModel[modelID]; !ok {
		t.byModel[modelID] = &tally{}
	}
	t.byUser[userID].add(u)
	t.byModel[modelID].add(u)
	t.total.add(u)
	t.mu.Unlock()

	if t.publisher != nil {
		// Publish failures must not affect the request path.
		go t.publisher.Publish(context.WithoutCancel(ctx), Event{
			UserID:    userID,
			Model:     modelID,
			Usage:     u,
			Timestamp: time.Now(),
		})
	}
}

// Stat is one row of the dashboard breakdown.
type Stat struct {
	Key              string `json:"key"`
	Requests         int    `json:"requests"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Snapshot is the dashboard view of consumption since startup.
type Snapshot struct {
	Since            time.Time `json:"since"`
	Requests         int       `json:"requests"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ByUser           []Stat    `json:"by_user"`
	ByModel          []Stat    `json:"by_model"`
}

func statsFrom(m map[string]*tally) []Stat {
	out := make([]Stat, 0, len(m))
	for k, t := range m {
		out = append(out, Stat{
			Key:              k,
			Requests:         t.Requests,
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
			TotalTokens:      t.TotalTokens,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalTokens > out[j].TotalTokens })
	return out
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Since:            t.since,
		Requests:         t.total.Requests,
		PromptTokens:     t.total.PromptTokens,
		CompletionTokens: t.total.CompletionTokens,
		TotalTokens:      t.total.TotalTokens,
		ByUser:           statsFrom(t.byUser),
		ByModel:          statsFrom(t.byModel),
	}
}

// UserSnapshot returns one user's tally, zero-valued if they have none.
func (t *Tracker) UserSnapshot(userID string) Stat {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.byUser[userID]
	if !ok {
		return Stat{Key: userID}
	}
	return Stat{
		Key:              userID,
		Requests:         tl.Requests,
		PromptTokens:     tl.PromptTokens,
		CompletionTokens: tl.CompletionTokens,
		TotalTokens:      tl.TotalTokens,
	}
}
