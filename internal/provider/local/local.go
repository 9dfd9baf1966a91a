// Package local adapts the normalized chat protocol to an Ollama server,
// typically running on the same host. Ollama streams newline-delimited JSON
// rather than SSE.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/httputil"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider"
)

const defaultBaseURL = "http://localhost:11434"

type Provider struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httputil.ProviderClient(),
	}
}

func (p *Provider) ID() string {
	return "local"
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type wireOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

type wireRequest struct {
	Model    string                  `json:"model"`
	Messages []wireMessage           `json:"messages"`
	Stream   bool                    `json:"stream"`
	Options  *wireOptions            `json:"options,omitempty"`
	Tools    []domain.ToolDefinition `json:"tools,omitempty"`
}

type wireResponse struct {
	Model           string      `json:"model"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

func toWireRequest(req domain.ChatRequest) wireRequest {
	messages := make([]wireMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, wireMessage{Role: domain.RoleSystem, Content: req.SystemPrompt})
	}

	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == domain.RoleUser {
			lastUser = i
		}
	}

	for i, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{Function: wireFunction{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}})
		}
		if req.Image != nil && i == lastUser {
			wm.Images = []string{req.Image.Base64Data}
		}
		messages = append(messages, wm)
	}

	wr := wireRequest{
		Model:    req.Model,
		Messages: messages,
		Tools:    req.Tools,
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		wr.Options = &wireOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		}
	}
	return wr
}

func toToolCalls(calls []wireToolCall) []domain.ToolCall {
	out := make([]domain.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := string(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out = append(out, domain.ToolCall{
			ID:   "call_" + uuid.NewString(),
			Type: "function",
			Function: domain.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return out
}

func (p *Provider) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	base := p.baseURL
	if endpoint != "" {
		base = strings.TrimSuffix(endpoint, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return p.client.Do(httpReq)
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	wireReq := toWireRequest(req)
	wireReq.Stream = false

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.post(ctx, req.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, provider.NewUpstreamError("local", resp.StatusCode, bodyBytes)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &domain.ProtocolError{Provider: "local", Cause: err}
	}

	msg := &domain.Message{
		Role:      domain.RoleAssistant,
		Content:   wr.Message.Content,
		ToolCalls: toToolCalls(wr.Message.ToolCalls),
	}
	finish := domain.NormalizeFinishReason(wr.DoneReason)
	if len(msg.ToolCalls) > 0 {
		finish = domain.FinishToolCalls
	}

	return &domain.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{
			{Index: 0, Message: msg, FinishReason: finish},
		},
		Usage: domain.Usage{
			PromptTokens:     wr.PromptEvalCount,
			CompletionTokens: wr.EvalCount,
			TotalTokens:      wr.PromptEvalCount + wr.EvalCount,
		},
	}, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		wireReq := toWireRequest(req)
		wireReq.Stream = true

		body, err := json.Marshal(wireReq)
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		resp, err := p.post(ctx, req.Endpoint, body)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- provider.NewUpstreamError("local", resp.StatusCode, bodyBytes)
			return
		}

		streamID := "chatcmpl-" + uuid.NewString()
		nextTool := 0
		sawToolCall := false

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			var wr wireResponse
			if err := json.Unmarshal([]byte(line), &wr); err != nil {
				continue
			}

			chunk := domain.StreamChunk{
				ID:      streamID,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   req.Model,
				Choices: []domain.Choice{{Index: 0, Delta: &domain.Delta{}}},
			}

			if wr.Message.Content != "" {
				chunk.Choices[0].Delta.Content = wr.Message.Content
			}
			for _, tc := range wr.Message.ToolCalls {
				args := string(tc.Function.Arguments)
				if args == "" {
					args = "{}"
				}
				sawToolCall = true
				chunk.Choices[0].Delta.ToolCalls = append(chunk.Choices[0].Delta.ToolCalls, domain.ToolCallDelta{
					Index: nextTool,
					ID:    "call_" + uuid.NewString(),
					Type:  "function",
					Function: domain.FunctionCall{
						Name:      tc.Function.Name,
						Arguments: args,
					},
				})
				nextTool++
			}

			if wr.Done {
				finish := domain.NormalizeFinishReason(wr.DoneReason)
				if sawToolCall {
					finish = domain.FinishToolCalls
				}
				chunk.Choices[0].FinishReason = finish
				chunk.Usage = &domain.Usage{
					PromptTokens:     wr.PromptEvalCount,
					CompletionTokens: wr.EvalCount,
					TotalTokens:      wr.PromptEvalCount + wr.EvalCount,
				}
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}

			if wr.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan error: %w", err)
		}
	}()

	return chunks, errs
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}
