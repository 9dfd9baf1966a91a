package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/notifications"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/queue"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/registry"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/tools"
)

type mockAdapter struct {
	id         string
	chatFunc   func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	streamFunc func(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
}

func (m *mockAdapter) ID() string { return m.id }

func (m *mockAdapter) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return m.chatFunc(ctx, req)
}

func (m *mockAdapter) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	return m.streamFunc(ctx, req)
}

func (m *mockAdapter) HealthCheck(ctx context.Context) error { return nil }

func textResponse(content string) *domain.ChatResponse {
	return &domain.ChatResponse{
		ID:     "chatcmpl-up",
		Object: "chat.completion",
		Model:  "upstream-model-name",
		Choices: []domain.Choice{{
			Index:        0,
			Message:      &domain.Message{Role: "assistant", Content: content},
			FinishReason: domain.FinishStop,
		}},
		Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

type fixture struct {
	dispatcher *Dispatcher
	adapter    *mockAdapter
	modelsDir  string
	registry   *registry.Registry
}

type fixtureOpts struct {
	model     *domain.ModelDescriptor
	toolDescs []domain.ToolDescriptor
	handlers  map[string]tools.Handler
	queueSize int
	maxHops   int
	waitTime  time.Duration
	notifier  notifications.Notifier
}

func defaultModel() *domain.ModelDescriptor {
	return &domain.ModelDescriptor{
		ID:       "openai/gpt-test",
		Provider: "openai",
		APIModel: "gpt-test-2026",
		Enabled:  true,
		Capabilities: domain.Capabilities{
			Streaming:       true,
			FunctionCalling: true,
		},
	}
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	if opts.model == nil {
		opts.model = defaultModel()
	}

	modelsDir := t.TempDir()
	providerDir := filepath.Join(modelsDir, opts.model.Provider)
	if err := os.MkdirAll(providerDir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(opts.model)
	name := filepath.Base(opts.model.ID) + ".json"
	if err := os.WriteFile(filepath.Join(providerDir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.New(modelsDir)
	if err != nil {
		t.Fatal(err)
	}

	toolsDir := t.TempDir()
	for _, td := range opts.toolDescs {
		data, _ := json.Marshal(td)
		if err := os.WriteFile(filepath.Join(toolsDir, td.ID+".json"), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if opts.handlers == nil {
		opts.handlers = tools.BuiltinHandlers(tools.HandlerConfig{})
	}
	toolReg, err := tools.NewRegistry(toolsDir, opts.handlers)
	if err != nil {
		t.Fatal(err)
	}

	store := ratelimit.NewInMemoryStore()
	adapter := &mockAdapter{id: opts.model.Provider}

	cfg := Config{
		Registry:      reg,
		Providers:     provider.NewSet(adapter),
		Limiter:       ratelimit.NewEngine(store, false),
		Queue:         queue.New(opts.queueSize),
		Tools:         toolReg,
		Executor:      tools.NewExecutor(toolReg, store, tools.NewBus(), time.Minute),
		Notifier:      opts.notifier,
		WaitTimeout:   opts.waitTime,
		MaxHops:       opts.maxHops,
		MaxConcurrent: 8,
	}

	return &fixture{
		dispatcher: New(cfg),
		adapter:    adapter,
		modelsDir:  modelsDir,
		registry:   reg,
	}
}

func userReq(model, content string) domain.ChatRequest {
	return domain.ChatRequest{
		Model:    model,
		Messages: []domain.Message{{Role: "user", Content: content}},
	}
}

var alice = domain.Principal{UserID: "u-alice", Name: "alice", Status: domain.StatusActive}

func TestCompleteReportsRequestedModel(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	var upstreamModel string
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		upstreamModel = req.Model
		return textResponse("hi"), nil
	}

	resp, _, err := f.dispatcher.Complete(context.Background(), alice, userReq("openai/gpt-test", "hello"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	// The upstream sees the provider's model name; the caller always gets
	// back the ID they asked for.
	if upstreamModel != "gpt-test-2026" {
		t.Errorf("upstream model = %q, want api_model", upstreamModel)
	}
	if resp.Model != "openai/gpt-test" {
		t.Errorf("response model = %q, want requested ID", resp.Model)
	}
}

func TestCompleteReturnsAdmissionDecision(t *testing.T) {
	model := defaultModel()
	model.UserLimit = &domain.RateLimitSpec{
		Requests: 5,
		Window:   domain.RateWindow{Amount: 1, Unit: "hour"},
	}
	f := newFixture(t, fixtureOpts{model: model})
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("ok"), nil
	}

	_, dec, err := f.dispatcher.Complete(context.Background(), alice, userReq("openai/gpt-test", "hi"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !dec.Allowed {
		t.Error("admitting decision must report Allowed")
	}
	if dec.Limit != 5 || dec.Remaining != 4 {
		t.Errorf("decision limit/remaining = %d/%d, want 5/4", dec.Limit, dec.Remaining)
	}
	if dec.ResetAt.IsZero() {
		t.Error("decision reset time missing")
	}
}

func TestRoutingSteersUpstream(t *testing.T) {
	model := defaultModel()
	model.Routing = domain.Routing{Service: "openai", Endpoint: "http://edge.internal/v1"}
	f := newFixture(t, fixtureOpts{model: model})

	var got domain.ChatRequest
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		got = req
		return textResponse("ok"), nil
	}

	if _, _, err := f.dispatcher.Complete(context.Background(), alice, userReq("openai/gpt-test", "hi")); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Endpoint != "http://edge.internal/v1" {
		t.Errorf("upstream endpoint = %q, want routing override", got.Endpoint)
	}
}

func TestRoutingServiceSelectsAdapter(t *testing.T) {
	model := defaultModel()
	model.Routing = domain.Routing{Service: "elsewhere"}
	f := newFixture(t, fixtureOpts{model: model})

	// The provider tag matches the configured adapter, but the routing
	// service takes precedence and names an adapter that is not set up.
	_, _, err := f.dispatcher.Complete(context.Background(), alice, userReq("openai/gpt-test", "hi"))
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("error = %v, want ErrProviderNotFound for routing service", err)
	}
}

func TestRateLimitRefusalNotifies(t *testing.T) {
	model := defaultModel()
	model.UserLimit = &domain.RateLimitSpec{
		Requests: 1,
		Window:   domain.RateWindow{Amount: 1, Unit: "hour"},
	}
	sink := notifications.NewInMemoryNotifier()
	f := newFixture(t, fixtureOpts{model: model, notifier: sink})
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("ok"), nil
	}

	ctx := context.Background()
	if _, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "1")); err != nil {
		t.Fatal(err)
	}

	var rlErr *RateLimitError
	_, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "2"))
	if !errors.As(err, &rlErr) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}

	sent := sink.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].Type != notifications.TypeRateLimited {
		t.Errorf("type = %q, want %q", sent[0].Type, notifications.TypeRateLimited)
	}
	if sent[0].UserID != alice.UserID {
		t.Errorf("user = %q, want %q", sent[0].UserID, alice.UserID)
	}
}

func TestParameterMerge(t *testing.T) {
	temp := 0.3
	maxTok := 512
	model := defaultModel()
	model.Parameters = domain.ModelParameters{Temperature: &temp, MaxTokens: &maxTok}

	f := newFixture(t, fixtureOpts{model: model})

	var got domain.ChatRequest
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		got = req
		return textResponse("ok"), nil
	}

	callerTemp := 0.9
	req := userReq("openai/gpt-test", "hi")
	req.Temperature = &callerTemp

	if _, _, err := f.dispatcher.Complete(context.Background(), alice, req); err != nil {
		t.Fatal(err)
	}

	if got.Temperature == nil || *got.Temperature != 0.9 {
		t.Errorf("temperature = %v, caller override must win", got.Temperature)
	}
	if got.MaxTokens == nil || *got.MaxTokens != 512 {
		t.Errorf("max_tokens = %v, descriptor default must fill absent param", got.MaxTokens)
	}
	if got.TopP != nil {
		t.Errorf("top_p = %v, absent in both must stay absent", got.TopP)
	}
}

func TestResolutionErrors(t *testing.T) {
	disabled := defaultModel()
	disabled.Enabled = false
	f := newFixture(t, fixtureOpts{model: disabled})
	ctx := context.Background()

	if _, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/nope", "hi")); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("unknown model error = %v, want ErrModelNotFound", err)
	}
	if _, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "hi")); !errors.Is(err, domain.ErrModelDisabled) {
		t.Errorf("disabled model error = %v, want ErrModelDisabled", err)
	}

	var valErr *domain.ValidationError
	if _, _, err := f.dispatcher.Complete(ctx, alice, domain.ChatRequest{Model: "openai/gpt-test"}); !errors.As(err, &valErr) {
		t.Errorf("empty messages error = %v, want ValidationError", err)
	}
}

func TestImageDroppedOnNonVisionModel(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	var got domain.ChatRequest
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		got = req
		return textResponse("ok"), nil
	}

	req := userReq("openai/gpt-test", "what is this")
	req.Image = &domain.ImageAttachment{MediaType: "image/png", Base64Data: "aGk="}

	if _, _, err := f.dispatcher.Complete(context.Background(), alice, req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Image != nil {
		t.Error("image reached the upstream on a non-vision model")
	}
}

func TestImageForwardedOnVisionModel(t *testing.T) {
	model := defaultModel()
	model.Capabilities.Vision = true
	f := newFixture(t, fixtureOpts{model: model})

	var got domain.ChatRequest
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		got = req
		return textResponse("a cat"), nil
	}

	req := userReq("openai/gpt-test", "what is this")
	req.Image = &domain.ImageAttachment{MediaType: "image/png", Base64Data: "aGk="}

	if _, _, err := f.dispatcher.Complete(context.Background(), alice, req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got.Image == nil || got.Image.MediaType != "image/png" {
		t.Errorf("image = %+v, want forwarded intact", got.Image)
	}
}

func echoToolDescriptor() domain.ToolDescriptor {
	return domain.ToolDescriptor{
		ID:      "echo",
		Name:    "echo",
		Enabled: true,
		Handler: "echo",
		Parameters: map[string]any{
			"type": "object",
		},
	}
}

func TestToolLoop(t *testing.T) {
	model := defaultModel()
	model.Tools = []string{"echo"}

	f := newFixture(t, fixtureOpts{
		model:     model,
		toolDescs: []domain.ToolDescriptor{echoToolDescriptor()},
	})

	hops := 0
	var secondHopMessages []domain.Message
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		hops++
		if hops == 1 {
			if len(req.Tools) != 1 || req.Tools[0].Function.Name != "echo" {
				t.Errorf("hop 1 tools = %+v, want registry echo", req.Tools)
			}
			return &domain.ChatResponse{
				Choices: []domain.Choice{{
					Message: &domain.Message{
						Role: "assistant",
						ToolCalls: []domain.ToolCall{{
							ID: "call_1", Type: "function",
							Function: domain.FunctionCall{Name: "echo", Arguments: `{"x":5}`},
						}},
					},
					FinishReason: domain.FinishToolCalls,
				}},
				Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 4},
			}, nil
		}
		secondHopMessages = req.Messages
		return &domain.ChatResponse{
			Choices: []domain.Choice{{
				Message:      &domain.Message{Role: "assistant", Content: "the answer is 5"},
				FinishReason: domain.FinishStop,
			}},
			Usage: domain.Usage{PromptTokens: 20, CompletionTokens: 6},
		}, nil
	}

	resp, _, err := f.dispatcher.Complete(context.Background(), alice, userReq("openai/gpt-test", "echo 5"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if hops != 2 {
		t.Fatalf("hops = %d, want 2", hops)
	}

	// The second hop must see the assistant tool-call turn followed by the
	// tool result carrying the executed value.
	n := len(secondHopMessages)
	if n < 3 {
		t.Fatalf("second hop messages = %d", n)
	}
	toolMsg := secondHopMessages[n-1]
	if toolMsg.Role != domain.RoleTool || toolMsg.ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if toolMsg.Content != "5" {
		t.Errorf("tool result = %q, want echoed 5", toolMsg.Content)
	}
	if secondHopMessages[n-2].Role != domain.RoleAssistant {
		t.Errorf("missing assistant tool-call turn")
	}

	// Usage sums across hops.
	if resp.Usage.PromptTokens != 30 || resp.Usage.CompletionTokens != 10 || resp.Usage.TotalTokens != 40 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestToolLoopHopCap(t *testing.T) {
	model := defaultModel()
	model.Tools = []string{"echo"}

	f := newFixture(t, fixtureOpts{
		model:     model,
		toolDescs: []domain.ToolDescriptor{echoToolDescriptor()},
		maxHops:   3,
	})

	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return &domain.ChatResponse{
			Choices: []domain.Choice{{
				Message: &domain.Message{
					Role: "assistant",
					ToolCalls: []domain.ToolCall{{
						ID: "call_x", Type: "function",
						Function: domain.FunctionCall{Name: "echo", Arguments: `{"x":1}`},
					}},
				},
				FinishReason: domain.FinishToolCalls,
			}},
		}, nil
	}

	_, _, err := f.dispatcher.Complete(context.Background(), alice, userReq("openai/gpt-test", "loop"))
	if !errors.Is(err, domain.ErrToolLoopExceeded) {
		t.Errorf("error = %v, want ErrToolLoopExceeded", err)
	}
}

func TestToolFailureFoldedIntoResult(t *testing.T) {
	model := defaultModel()
	model.Tools = []string{"boom"}

	boom := domain.ToolDescriptor{ID: "boom", Name: "boom", Enabled: true, Handler: "boom"}
	f := newFixture(t, fixtureOpts{
		model:     model,
		toolDescs: []domain.ToolDescriptor{boom},
		handlers: map[string]tools.Handler{
			"boom": func(ctx context.Context, ctl *tools.Control, args map[string]any) (any, error) {
				return nil, errors.New("kaput")
			},
		},
	})

	hops := 0
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		hops++
		if hops == 1 {
			return &domain.ChatResponse{
				Choices: []domain.Choice{{
					Message: &domain.Message{
						Role: "assistant",
						ToolCalls: []domain.ToolCall{{
							ID: "call_1", Type: "function",
							Function: domain.FunctionCall{Name: "boom", Arguments: `{}`},
						}},
					},
					FinishReason: domain.FinishToolCalls,
				}},
			}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		var payload map[string]any
		json.Unmarshal([]byte(last.Content), &payload)
		if payload["error"] != "kaput" {
			t.Errorf("tool result = %q, want folded error", last.Content)
		}
		return textResponse("tool broke"), nil
	}

	if _, _, err := f.dispatcher.Complete(context.Background(), alice, userReq("openai/gpt-test", "go")); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if hops != 2 {
		t.Errorf("hops = %d, handler failure must not abort the loop", hops)
	}
}

func TestRateLimitWithoutQueue(t *testing.T) {
	model := defaultModel()
	model.GlobalLimit = &domain.RateLimitSpec{
		Requests: 1,
		Window:   domain.RateWindow{Amount: 1, Unit: "hour"},
	}

	f := newFixture(t, fixtureOpts{model: model, queueSize: 0})
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("ok"), nil
	}
	ctx := context.Background()

	if _, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "1")); err != nil {
		t.Fatal(err)
	}

	_, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "2"))
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rlErr.Decision.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v", rlErr.Decision.RetryAfter)
	}
}

func TestQueuedRequestAdmittedOnWindowReset(t *testing.T) {
	model := defaultModel()
	model.GlobalLimit = &domain.RateLimitSpec{
		Requests: 1,
		Window:   domain.RateWindow{Amount: 1, Unit: "second"},
	}

	f := newFixture(t, fixtureOpts{model: model, queueSize: 4, waitTime: 5 * time.Second})
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("ok"), nil
	}
	ctx := context.Background()

	if _, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "1")); err != nil {
		t.Fatal(err)
	}

	// Window is exhausted; the second request must park and come back once
	// the one-second window rolls over.
	start := time.Now()
	if _, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "2")); err != nil {
		t.Fatalf("queued request error = %v", err)
	}
	if waited := time.Since(start); waited < 500*time.Millisecond || waited > 3*time.Second {
		t.Errorf("queued request waited %v, want ~1s", waited)
	}
}

func TestQueueWaitTimeout(t *testing.T) {
	model := defaultModel()
	model.GlobalLimit = &domain.RateLimitSpec{
		Requests: 1,
		Window:   domain.RateWindow{Amount: 1, Unit: "hour"},
	}

	f := newFixture(t, fixtureOpts{model: model, queueSize: 4, waitTime: 100 * time.Millisecond})
	f.adapter.chatFunc = func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse("ok"), nil
	}
	ctx := context.Background()

	if _, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "1")); err != nil {
		t.Fatal(err)
	}

	_, _, err := f.dispatcher.Complete(ctx, alice, userReq("openai/gpt-test", "2"))
	if !errors.Is(err, domain.ErrQueueTimeout) {
		t.Errorf("error after queue timeout = %v, want ErrQueueTimeout", err)
	}
}
