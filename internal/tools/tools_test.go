package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
)

func writeToolFile(t *testing.T, dir string, desc domain.ToolDescriptor) {
	t.Helper()
	data, err := json.Marshal(desc)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, desc.ID+".json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func echoDescriptor(id string) domain.ToolDescriptor {
	return domain.ToolDescriptor{
		ID:      id,
		Name:    id,
		Enabled: true,
		Handler: "echo",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
		},
	}
}

func testModel(id string, toolIDs ...string) *domain.ModelDescriptor {
	return &domain.ModelDescriptor{
		ID:       id,
		Provider: "openai",
		APIModel: "x",
		Enabled:  true,
		Tools:    toolIDs,
	}
}

func newTestRegistry(t *testing.T, descs ...domain.ToolDescriptor) *Registry {
	t.Helper()
	dir := t.TempDir()
	for _, d := range descs {
		writeToolFile(t, dir, d)
	}
	r, err := NewRegistry(dir, BuiltinHandlers(HandlerConfig{}))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestToolsForIntersection(t *testing.T) {
	open := echoDescriptor("echo")
	restricted := echoDescriptor("restricted")
	restricted.AllowedModels = []string{"openai/allowed"}
	disabled := echoDescriptor("disabled")
	disabled.Enabled = false

	r := newTestRegistry(t, open, restricted, disabled)

	tests := []struct {
		name  string
		model *domain.ModelDescriptor
		want  []string
	}{
		{"model allows everything it names", testModel("openai/allowed", "echo", "restricted", "disabled"), []string{"echo", "restricted"}},
		{"tool allowlist excludes other models", testModel("openai/other", "echo", "restricted"), []string{"echo"}},
		{"model without tools gets none", testModel("openai/other"), nil},
		{"model cannot reach tools it does not name", testModel("openai/allowed", "restricted"), []string{"restricted"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ToolsFor(tt.model)
			if len(got) != len(tt.want) {
				t.Fatalf("ToolsFor() = %d tools, want %d", len(got), len(tt.want))
			}
			for i, tool := range got {
				if tool.ID != tt.want[i] {
					t.Errorf("ToolsFor()[%d] = %s, want %s", i, tool.ID, tt.want[i])
				}
			}
		})
	}
}

func TestDefinitions(t *testing.T) {
	r := newTestRegistry(t, echoDescriptor("echo"))
	defs := r.Definitions(testModel("m", "echo"))

	if len(defs) != 1 {
		t.Fatalf("Definitions() = %d, want 1", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "echo" {
		t.Errorf("Definitions()[0] = %+v", defs[0])
	}
}

func TestSetEnabledPersists(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, echoDescriptor("echo"))

	r, err := NewRegistry(dir, BuiltinHandlers(HandlerConfig{}))
	if err != nil {
		t.Fatal(err)
	}

	if err := r.SetEnabled("echo", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	tool, err := r.Get("echo")
	if err != nil {
		t.Fatal(err)
	}
	if tool.Enabled {
		t.Error("tool still enabled after SetEnabled(false)")
	}

	// Reload from disk confirms persistence.
	r2, err := NewRegistry(dir, BuiltinHandlers(HandlerConfig{}))
	if err != nil {
		t.Fatal(err)
	}
	tool2, _ := r2.Get("echo")
	if tool2.Enabled {
		t.Error("enabled flag not persisted")
	}
}

func TestRegistryRejectsUnknownHandler(t *testing.T) {
	dir := t.TempDir()
	bad := echoDescriptor("bad")
	bad.Handler = "no-such-handler"
	writeToolFile(t, dir, bad)

	if _, err := NewRegistry(dir, BuiltinHandlers(HandlerConfig{})); err == nil {
		t.Error("NewRegistry() should reject descriptor with unknown handler")
	}
}

func newTestExecutor(t *testing.T, descs ...domain.ToolDescriptor) *Executor {
	t.Helper()
	r := newTestRegistry(t, descs...)
	return NewExecutor(r, ratelimit.NewInMemoryStore(), NewBus(), time.Minute)
}

func TestExecuteEcho(t *testing.T) {
	e := newTestExecutor(t, echoDescriptor("echo"))

	result, err := e.Execute(context.Background(), "echo", map[string]any{"x": "ping"}, "m", "user-1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "ping" {
		t.Errorf("Execute() = %v, want ping", result)
	}
}

func TestExecuteGates(t *testing.T) {
	authed := echoDescriptor("authed")
	authed.RequiresAuth = true
	disabled := echoDescriptor("off")
	disabled.Enabled = false
	limited := echoDescriptor("limited")
	limited.RateLimit = domain.ToolRateLimit{PerMinute: 1}

	e := newTestExecutor(t, authed, disabled, limited)
	ctx := context.Background()

	if _, err := e.Execute(ctx, "missing", nil, "m", "u"); !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("unknown tool error = %v, want ErrToolNotFound", err)
	}
	if _, err := e.Execute(ctx, "off", nil, "m", "u"); !errors.Is(err, domain.ErrToolDisabled) {
		t.Errorf("disabled tool error = %v, want ErrToolDisabled", err)
	}
	if _, err := e.Execute(ctx, "authed", nil, "m", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("unauthenticated error = %v, want ErrUnauthorized", err)
	}
	if _, err := e.Execute(ctx, "authed", map[string]any{"x": 1}, "m", "u"); err != nil {
		t.Errorf("authenticated call error = %v", err)
	}

	if _, err := e.Execute(ctx, "limited", map[string]any{"x": 1}, "m", "u"); err != nil {
		t.Fatalf("first limited call: %v", err)
	}
	if _, err := e.Execute(ctx, "limited", map[string]any{"x": 1}, "m", "u"); !errors.Is(err, domain.ErrToolRateLimited) {
		t.Errorf("second limited call error = %v, want ErrToolRateLimited", err)
	}
}

func TestExecutionRecordLifecycle(t *testing.T) {
	bus := NewBus()
	r := newTestRegistry(t, echoDescriptor("echo"))
	e := NewExecutor(r, ratelimit.NewInMemoryStore(), bus, 50*time.Millisecond)

	events, cancel := bus.Subscribe()
	defer cancel()

	if _, err := e.Execute(context.Background(), "echo", map[string]any{"x": 1}, "m", "u"); err != nil {
		t.Fatal(err)
	}

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("bus events = %v, want started+completed", types)
		}
	}
	if types[0] != EventStarted || types[1] != EventCompleted {
		t.Errorf("event order = %v", types)
	}

	records := e.List()
	if len(records) != 1 {
		t.Fatalf("List() = %d records, want 1", len(records))
	}
	if records[0].State != StateCompleted {
		t.Errorf("record state = %s, want completed", records[0].State)
	}

	// Terminal records are evicted after the retention window.
	time.Sleep(80 * time.Millisecond)
	if evicted := e.Sweep(time.Now()); evicted != 1 {
		t.Errorf("Sweep() = %d, want 1", evicted)
	}
	if len(e.List()) != 0 {
		t.Error("record survived sweep")
	}
}

func TestPauseResume(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, domain.ToolDescriptor{
		ID: "slow", Name: "slow", Enabled: true, Handler: "slow",
	})

	started := make(chan string, 1)
	reached := make(chan struct{}, 1)
	handlers := map[string]Handler{
		"slow": func(ctx context.Context, ctl *Control, args map[string]any) (any, error) {
			started <- "go"
			// Give the test a chance to pause before the checkpoint.
			time.Sleep(50 * time.Millisecond)
			if err := ctl.Checkpoint(ctx); err != nil {
				return nil, err
			}
			reached <- struct{}{}
			return "done", nil
		},
	}
	r, err := NewRegistry(dir, handlers)
	if err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(r, ratelimit.NewInMemoryStore(), NewBus(), time.Minute)

	type res struct {
		v   any
		err error
	}
	done := make(chan res, 1)
	go func() {
		v, err := e.Execute(context.Background(), "slow", nil, "m", "u")
		done <- res{v, err}
	}()

	<-started
	var execID string
	for _, rec := range e.List() {
		execID = rec.ID
	}
	if err := e.Pause(execID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	select {
	case <-reached:
		t.Fatal("handler passed checkpoint while paused")
	case <-time.After(150 * time.Millisecond):
	}

	if err := e.Resume(execID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	<-reached

	r2 := <-done
	if r2.err != nil || r2.v != "done" {
		t.Errorf("Execute() = %v, %v", r2.v, r2.err)
	}
}

func TestCancelExecution(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, domain.ToolDescriptor{
		ID: "block", Name: "block", Enabled: true, Handler: "block",
	})

	started := make(chan struct{})
	handlers := map[string]Handler{
		"block": func(ctx context.Context, ctl *Control, args map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r, err := NewRegistry(dir, handlers)
	if err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(r, ratelimit.NewInMemoryStore(), NewBus(), time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "block", nil, "m", "u")
		done <- err
	}()

	<-started
	var execID string
	for _, rec := range e.List() {
		execID = rec.ID
	}
	if err := e.Cancel(execID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := <-done; err == nil {
		t.Error("cancelled execution should return an error")
	}
}

func TestExecutionTimeout(t *testing.T) {
	dir := t.TempDir()
	writeToolFile(t, dir, domain.ToolDescriptor{
		ID: "hang", Name: "hang", Enabled: true, Handler: "hang", MaxExecutionSecs: 1,
	})

	handlers := map[string]Handler{
		"hang": func(ctx context.Context, ctl *Control, args map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r, err := NewRegistry(dir, handlers)
	if err != nil {
		t.Fatal(err)
	}
	e := NewExecutor(r, ratelimit.NewInMemoryStore(), NewBus(), time.Minute)

	start := time.Now()
	if _, err := e.Execute(context.Background(), "hang", nil, "m", "u"); err == nil {
		t.Error("hung execution should time out with an error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout after %v, want ~1s", elapsed)
	}

	rec := e.List()[0]
	if rec.State != StateFailed {
		t.Errorf("timed out record state = %s, want failed", rec.State)
	}
}

func TestEvalExpression(t *testing.T) {
	tests := []struct {
		expr    string
		want    float64
		wantErr bool
	}{
		{"1+2", 3, false},
		{"2*3+4", 10, false},
		{"2*(3+4)", 14, false},
		{"10/4", 2.5, false},
		{"-5+3", -2, false},
		{"1.5*2", 3, false},
		{"1/0", 0, true},
		{"2**3", 0, true},
		{"(1+2", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := evalExpression(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("evalExpression(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("evalExpression(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	defer cancel()

	// Publish far beyond the buffer; must not deadlock.
	for i := 0; i < 200; i++ {
		bus.Publish(Event{Type: EventProgress})
	}
}
