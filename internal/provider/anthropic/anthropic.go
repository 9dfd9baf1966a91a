// Package anthropic adapts the normalized chat protocol to the Anthropic
// Messages API, including tool use and vision content blocks.
package anthropic

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

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/httputil"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey string) *Provider {
	return &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  httputil.ProviderClient(),
	}
}

// NewWithBaseURL is used by tests to point the adapter at a stub upstream.
func NewWithBaseURL(apiKey, baseURL string) *Provider {
	p := New(apiKey)
	p.baseURL = strings.TrimSuffix(baseURL, "/")
	return p
}

func (p *Provider) ID() string {
	return "anthropic"
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type wireResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      wireUsage      `json:"usage"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toWireRequest(req domain.ChatRequest) wireRequest {
	system := req.SystemPrompt
	messages := make([]wireMessage, 0, len(req.Messages))

	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == domain.RoleUser {
			lastUser = i
		}
	}

	for i, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
		case domain.RoleTool:
			messages = append(messages, wireMessage{
				Role: domain.RoleUser,
				Content: []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case domain.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
				continue
			}
			blocks := []map[string]any{}
			if m.Content != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": json.RawMessage(tc.Function.Arguments),
				})
			}
			messages = append(messages, wireMessage{Role: m.Role, Content: blocks})
		default:
			if req.Image != nil && i == lastUser {
				messages = append(messages, wireMessage{
					Role: domain.RoleUser,
					Content: []map[string]any{
						{"type": "image", "source": map[string]any{
							"type":       "base64",
							"media_type": req.Image.MediaType,
							"data":       req.Image.Base64Data,
						}},
						{"type": "text", "text": m.Content},
					},
				})
				continue
			}
			messages = append(messages, wireMessage{Role: domain.RoleUser, Content: m.Content})
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	tools := make([]wireTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, wireTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return wireRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		System:      system,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Tools:       tools,
	}
}

func (p *Provider) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return p.client.Do(httpReq)
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.post(ctx, body, false)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, provider.NewUpstreamError("anthropic", resp.StatusCode, bodyBytes)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &domain.ProtocolError{Provider: "anthropic", Cause: err}
	}

	return toChatResponse(wr, req.Model), nil
}

func toChatResponse(wr wireResponse, model string) *domain.ChatResponse {
	msg := &domain.Message{Role: domain.RoleAssistant}
	for _, block := range wr.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: domain.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	return &domain.ChatResponse{
		ID:      wr.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      msg,
				FinishReason: domain.NormalizeFinishReason(wr.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     wr.Usage.InputTokens,
			CompletionTokens: wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
		},
	}
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	Message      *wireResponse `json:"message,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *streamDelta  `json:"delta,omitempty"`
	Usage        *wireUsage    `json:"usage,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
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

		resp, err := p.post(ctx, body, true)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- provider.NewUpstreamError("anthropic", resp.StatusCode, bodyBytes)
			return
		}

		var (
			messageID   string
			inputTokens int
			// Anthropic indexes content blocks; tool-call deltas are
			// re-indexed over tool_use blocks only.
			blockToTool = map[int]int{}
			nextTool    = 0
		)

		emit := func(chunk domain.StreamChunk) bool {
			chunk.ID = messageID
			chunk.Object = "chat.completion.chunk"
			chunk.Created = time.Now().Unix()
			chunk.Model = req.Model
			select {
			case chunks <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					messageID = event.Message.ID
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
					continue
				}
				toolIdx := nextTool
				nextTool++
				blockToTool[event.Index] = toolIdx
				ok := emit(domain.StreamChunk{Choices: []domain.Choice{{
					Index: 0,
					Delta: &domain.Delta{ToolCalls: []domain.ToolCallDelta{{
						Index:    toolIdx,
						ID:       event.ContentBlock.ID,
						Type:     "function",
						Function: domain.FunctionCall{Name: event.ContentBlock.Name},
					}}},
				}}})
				if !ok {
					return
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				var delta *domain.Delta
				switch event.Delta.Type {
				case "text_delta":
					delta = &domain.Delta{Content: event.Delta.Text}
				case "input_json_delta":
					toolIdx, ok := blockToTool[event.Index]
					if !ok {
						continue
					}
					delta = &domain.Delta{ToolCalls: []domain.ToolCallDelta{{
						Index:    toolIdx,
						Function: domain.FunctionCall{Arguments: event.Delta.PartialJSON},
					}}}
				default:
					continue
				}
				if !emit(domain.StreamChunk{Choices: []domain.Choice{{Index: 0, Delta: delta}}}) {
					return
				}

			case "message_delta":
				chunk := domain.StreamChunk{Choices: []domain.Choice{{
					Index: 0,
					Delta: &domain.Delta{},
				}}}
				if event.Delta != nil && event.Delta.StopReason != "" {
					chunk.Choices[0].FinishReason = domain.NormalizeFinishReason(event.Delta.StopReason)
				}
				if event.Usage != nil {
					chunk.Usage = &domain.Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: event.Usage.OutputTokens,
						TotalTokens:      inputTokens + event.Usage.OutputTokens,
					}
				}
				if !emit(chunk) {
					return
				}

			case "message_stop":
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
	if p.apiKey == "" {
		return &domain.ConfigError{Provider: "anthropic", Reason: "missing API key"}
	}
	return nil
}
