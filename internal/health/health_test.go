package health

import (
	"testing"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/notifications"
)

func newTestTracker(t *testing.T) (*Tracker, *notifications.InMemoryNotifier, *time.Time) {
	t.Helper()
	notifier := notifications.NewInMemoryNotifier()
	tr := NewTracker(Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Probation:        time.Minute,
	}, WithNotifier(notifier))
	now := time.Now()
	tr.now = func() time.Time { return now }
	return tr, notifier, &now
}

func TestFailureThresholdMarksDown(t *testing.T) {
	tr, notifier, _ := newTestTracker(t)

	tr.RecordFailure("openai")
	tr.RecordFailure("openai")
	if got := tr.State("openai"); got != StateHealthy {
		t.Fatalf("state after 2 failures = %v, want healthy", got)
	}
	if len(notifier.Sent()) != 0 {
		t.Fatalf("notification sent before threshold")
	}

	tr.RecordFailure("openai")
	if got := tr.State("openai"); got != StateDown {
		t.Fatalf("state after 3 failures = %v, want down", got)
	}
	sent := notifier.Sent()
	if len(sent) != 1 || sent[0].Type != notifications.TypeProviderDown {
		t.Fatalf("sent = %+v, want one provider_down", sent)
	}
	if sent[0].Provider != "openai" {
		t.Fatalf("provider = %q, want openai", sent[0].Provider)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	tr.RecordFailure("openai")
	tr.RecordFailure("openai")
	tr.RecordSuccess("openai")
	tr.RecordFailure("openai")
	tr.RecordFailure("openai")
	if got := tr.State("openai"); got != StateHealthy {
		t.Fatalf("state = %v, want healthy after reset", got)
	}
}

func TestRecoveryAfterProbation(t *testing.T) {
	tr, notifier, now := newTestTracker(t)

	for i := 0; i < 3; i++ {
		tr.RecordFailure("anthropic")
	}

	// Success inside the probation window does not start recovery.
	tr.RecordSuccess("anthropic")
	if got := tr.State("anthropic"); got != StateDown {
		t.Fatalf("state = %v, want down during probation", got)
	}

	*now = now.Add(2 * time.Minute)
	tr.RecordSuccess("anthropic")
	if got := tr.State("anthropic"); got != StateRecovering {
		t.Fatalf("state = %v, want recovering", got)
	}

	tr.RecordSuccess("anthropic")
	if got := tr.State("anthropic"); got != StateHealthy {
		t.Fatalf("state = %v, want healthy", got)
	}

	sent := notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("len(sent) = %d, want down then up", len(sent))
	}
	if sent[1].Type != notifications.TypeProviderUp {
		t.Fatalf("second notification = %v, want provider_up", sent[1].Type)
	}
}

func TestFailureDuringRecoveryReopens(t *testing.T) {
	tr, _, now := newTestTracker(t)

	for i := 0; i < 3; i++ {
		tr.RecordFailure("google")
	}
	*now = now.Add(2 * time.Minute)
	tr.RecordSuccess("google")
	if got := tr.State("google"); got != StateRecovering {
		t.Fatalf("state = %v, want recovering", got)
	}

	tr.RecordFailure("google")
	if got := tr.State("google"); got != StateDown {
		t.Fatalf("state = %v, want down after recovery failure", got)
	}
}

func TestSnapshotAndObserve(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	tr.Observe("local")
	tr.RecordFailure("openai")

	snap := tr.Snapshot()
	if snap["local"].State != "healthy" {
		t.Fatalf("local state = %q, want healthy", snap["local"].State)
	}
	if snap["openai"].Failures != 1 {
		t.Fatalf("openai failures = %d, want 1", snap["openai"].Failures)
	}
	if snap["openai"].LastFailure == nil {
		t.Fatalf("openai last_failure missing")
	}

	if got := tr.State("never-seen"); got != StateHealthy {
		t.Fatalf("unknown provider state = %v, want healthy", got)
	}
}
