// Package openai adapts the normalized chat protocol to OpenAI-compatible
// upstreams. OpenRouter and other compatible endpoints reuse this adapter
// through NewCompatible.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/httputil"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	id      string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
}

func New(apiKey string) *Provider {
	return NewCompatible("openai", apiKey, defaultBaseURL, nil)
}

// NewCompatible builds an adapter for any OpenAI-compatible endpoint. Extra
// headers are attached to every upstream request.
func NewCompatible(id, apiKey, baseURL string, headers map[string]string) *Provider {
	return &Provider{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		headers: headers,
		client:  httputil.ProviderClient(),
	}
}

func (p *Provider) ID() string {
	return p.id
}

type wireMessage struct {
	Role       string            `json:"role"`
	Content    any               `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []domain.ToolCall `json:"tool_calls,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model               string                  `json:"model"`
	Messages            []wireMessage           `json:"messages"`
	Stream              bool                    `json:"stream,omitempty"`
	StreamOptions       *streamOptions          `json:"stream_options,omitempty"`
	Temperature         *float64                `json:"temperature,omitempty"`
	TopP                *float64                `json:"top_p,omitempty"`
	MaxTokens           *int                    `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                    `json:"max_completion_tokens,omitempty"`
	FrequencyPenalty    *float64                `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64                `json:"presence_penalty,omitempty"`
	Tools               []domain.ToolDefinition `json:"tools,omitempty"`
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
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		}
		if req.Image != nil && i == lastUser {
			wm.Content = []map[string]any{
				{"type": "text", "text": m.Content},
				{"type": "image_url", "image_url": map[string]any{
					"url": fmt.Sprintf("data:%s;base64,%s", req.Image.MediaType, req.Image.Base64Data),
				}},
			}
		}
		messages = append(messages, wm)
	}

	return wireRequest{
		Model:               req.Model,
		Messages:            messages,
		Temperature:         req.Temperature,
		TopP:                req.TopP,
		MaxTokens:           req.MaxTokens,
		MaxCompletionTokens: req.MaxCompletionTokens,
		FrequencyPenalty:    req.FrequencyPenalty,
		PresencePenalty:     req.PresencePenalty,
		Tools:               req.Tools,
	}
}

// baseFor honors a per-model routing endpoint over the configured base URL.
func (p *Provider) baseFor(req domain.ChatRequest) string {
	if req.Endpoint != "" {
		return strings.TrimSuffix(req.Endpoint, "/")
	}
	return p.baseURL
}

func (p *Provider) post(ctx context.Context, url string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return p.client.Do(httpReq)
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.post(ctx, p.baseFor(req)+"/chat/completions", body, false)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, provider.NewUpstreamError(p.id, resp.StatusCode, bodyBytes)
	}

	var chatResp domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &domain.ProtocolError{Provider: p.id, Cause: err}
	}

	for i := range chatResp.Choices {
		chatResp.Choices[i].FinishReason = domain.NormalizeFinishReason(chatResp.Choices[i].FinishReason)
	}

	return &chatResp, nil
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		wireReq := toWireRequest(req)
		wireReq.Stream = true
		wireReq.StreamOptions = &streamOptions{IncludeUsage: true}

		body, err := json.Marshal(wireReq)
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		resp, err := p.post(ctx, p.baseFor(req)+"/chat/completions", body, true)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- provider.NewUpstreamError(p.id, resp.StatusCode, bodyBytes)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk domain.StreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			for i := range chunk.Choices {
				if fr := chunk.Choices[i].FinishReason; fr != "" {
					chunk.Choices[i].FinishReason = domain.NormalizeFinishReason(fr)
				}
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
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
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s unhealthy: status=%d", p.id, resp.StatusCode)
	}

	return nil
}
