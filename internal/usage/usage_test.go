package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestRecordAndSnapshot(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	tr.Record(ctx, "alice", "m1", domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
	tr.Record(ctx, "alice", "m2", domain.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30})
	tr.Record(ctx, "bob", "m1", domain.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2})

	snap := tr.Snapshot()
	if snap.Requests != 3 || snap.TotalTokens != 47 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.ByUser) != 2 || len(snap.ByModel) != 2 {
		t.Errorf("breakdown sizes = %d users, %d models", len(snap.ByUser), len(snap.ByModel))
	}
	// Sorted by total tokens, descending.
	if snap.ByUser[0].Key != "alice" || snap.ByUser[0].TotalTokens != 45 {
		t.Errorf("top user = %+v", snap.ByUser[0])
	}

	alice := tr.UserSnapshot("alice")
	if alice.Requests != 2 || alice.TotalTokens != 45 {
		t.Errorf("user snapshot = %+v", alice)
	}
	if ghost := tr.UserSnapshot("nobody"); ghost.Requests != 0 {
		t.Errorf("unknown user snapshot = %+v", ghost)
	}
}

func TestRecordPublishes(t *testing.T) {
	pub := &capturePublisher{}
	tr := NewTracker(pub)

	tr.Record(context.Background(), "alice", "m1", domain.Usage{TotalTokens: 9})

	deadline := time.Now().Add(time.Second)
	for {
		pub.mu.Lock()
		n := len(pub.events)
		pub.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("usage event never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pub.mu.Lock()
	ev := pub.events[0]
	pub.mu.Unlock()
	if ev.UserID != "alice" || ev.Model != "m1" || ev.Usage.TotalTokens != 9 {
		t.Errorf("event = %+v", ev)
	}
}

func TestConcurrentRecord(t *testing.T) {
	tr := NewTracker(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Record(ctx, "alice", "m1", domain.Usage{TotalTokens: 1})
		}()
	}
	wg.Wait()

	if snap := tr.Snapshot(); snap.Requests != 50 || snap.TotalTokens != 50 {
		t.Errorf("snapshot = %+v", snap)
	}
}
