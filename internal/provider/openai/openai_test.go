package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

func newStubProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCompatible("openai", "test-key", srv.URL, nil)
}

func TestChatCompletion(t *testing.T) {
	var gotAuth string
	var gotBody wireRequest

	p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotBody)

		json.NewEncoder(w).Encode(domain.ChatResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []domain.Choice{{
				Message:      &domain.Message{Role: "assistant", Content: "hi"},
				FinishReason: "stop",
			}},
			Usage: domain.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	})

	temp := 0.5
	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:       "gpt-4o",
		Messages:    []domain.Message{{Role: "user", Content: "hello"}},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody.Temperature == nil || *gotBody.Temperature != 0.5 {
		t.Errorf("temperature not forwarded: %v", gotBody.Temperature)
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
}

func TestRoutingEndpointOverridesBaseURL(t *testing.T) {
	defaultHit := false
	p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		defaultHit = true
	})

	var gotPath string
	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(domain.ChatResponse{
			Choices: []domain.Choice{{
				Message:      &domain.Message{Role: "assistant", Content: "hi"},
				FinishReason: "stop",
			}},
		})
	}))
	defer override.Close()

	_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
		Endpoint: override.URL + "/",
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error = %v", err)
	}

	if defaultHit {
		t.Error("configured base URL was hit despite routing endpoint")
	}
	if gotPath != "/chat/completions" {
		t.Errorf("override path = %q", gotPath)
	}
}

func TestAbsentParamsNotSent(t *testing.T) {
	var raw map[string]any
	p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &raw)
		json.NewEncoder(w).Encode(domain.ChatResponse{Choices: []domain.Choice{{Message: &domain.Message{}}}})
	})

	if _, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "x"}},
	}); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"temperature", "top_p", "max_tokens", "frequency_penalty", "presence_penalty"} {
		if _, present := raw[key]; present {
			t.Errorf("absent param %q was sent upstream", key)
		}
	}
}

func TestVisionAttachesImagePart(t *testing.T) {
	var raw struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &raw)
		json.NewEncoder(w).Encode(domain.ChatResponse{Choices: []domain.Choice{{Message: &domain.Message{}}}})
	})

	_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "what is this"}},
		Image:    &domain.ImageAttachment{MediaType: "image/png", Base64Data: "aGk="},
	})
	if err != nil {
		t.Fatal(err)
	}

	content := string(raw.Messages[0].Content)
	if !strings.Contains(content, "data:image/png;base64,aGk=") {
		t.Errorf("image part missing from content: %s", content)
	}
}

func TestUpstreamErrorStatus(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			})

			_, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
				Model:    "gpt-4o",
				Messages: []domain.Message{{Role: "user", Content: "x"}},
			})

			var upErr *domain.UpstreamError
			if !errors.As(err, &upErr) {
				t.Fatalf("error = %v, want UpstreamError", err)
			}
			if upErr.Status != tt.status || upErr.Retryable != tt.retryable {
				t.Errorf("UpstreamError = %+v", upErr)
			}
		})
	}
}

func TestChatCompletionStream(t *testing.T) {
	p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"hel"}}]}`+"\n\n")
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"}}]}`+"\n\n")
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	chunks, errs := p.ChatCompletionStream(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var content string
	var finish string
	var usage *domain.Usage
	for chunk := range chunks {
		for _, c := range chunk.Choices {
			if c.Delta != nil {
				content += c.Delta.Content
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error = %v", err)
	}

	if content != "hello" {
		t.Errorf("content = %q", content)
	}
	if finish != domain.FinishStop {
		t.Errorf("finish = %q", finish)
	}
	if usage == nil || usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStreamToolCallDeltas(t *testing.T) {
	p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":""}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":1}"}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	chunks, errs := p.ChatCompletionStream(context.Background(), domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var name, args, finish string
	for chunk := range chunks {
		for _, c := range chunk.Choices {
			if c.Delta != nil {
				for _, tc := range c.Delta.ToolCalls {
					if tc.Function.Name != "" {
						name = tc.Function.Name
					}
					args += tc.Function.Arguments
				}
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}
	if err := <-errs; err != nil {
		t.Fatal(err)
	}

	if name != "echo" || args != `{"x":1}` {
		t.Errorf("accumulated tool call = %s(%s)", name, args)
	}
	if finish != domain.FinishToolCalls {
		t.Errorf("finish = %q", finish)
	}
}

func TestStreamContextCancel(t *testing.T) {
	release := make(chan struct{})
	p := newStubProvider(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"id":"c1","choices":[{"index":0,"delta":{"content":"x"}}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, _ := p.ChatCompletionStream(ctx, domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	<-chunks
	cancel()

	select {
	case _, open := <-chunks:
		if open {
			// Drain until close.
			for range chunks {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("chunk channel not closed after cancel")
	}
}
