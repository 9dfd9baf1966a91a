// Package google adapts the normalized chat protocol to the Gemini
// generateContent API. Gemini function calls carry no IDs, so the adapter
// synthesizes one per call and resolves tool results back to function names
// from the conversation history.
package google

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

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
	return "google"
}

type wirePart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inlineData,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type wireTools struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent     `json:"contents"`
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []wireTools       `json:"tools,omitempty"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type wireResponse struct {
	Candidates    []wireCandidate `json:"candidates"`
	UsageMetadata *usageMetadata  `json:"usageMetadata,omitempty"`
}

func toWireRequest(req domain.ChatRequest) wireRequest {
	var system string
	if req.SystemPrompt != "" {
		system = req.SystemPrompt
	}

	// Gemini resolves tool results by function name, not call ID.
	callNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Function.Name
		}
	}

	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == domain.RoleUser {
			lastUser = i
		}
	}

	contents := make([]wireContent, 0, len(req.Messages))
	for i, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
		case domain.RoleAssistant:
			parts := []wirePart{}
			if m.Content != "" {
				parts = append(parts, wirePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, wirePart{FunctionCall: &functionCall{
					Name: tc.Function.Name,
					Args: json.RawMessage(tc.Function.Arguments),
				}})
			}
			contents = append(contents, wireContent{Role: "model", Parts: parts})
		case domain.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			contents = append(contents, wireContent{Role: "user", Parts: []wirePart{{
				FunctionResponse: &functionResponse{
					Name:     callNames[m.ToolCallID],
					Response: response,
				},
			}}})
		default:
			parts := []wirePart{{Text: m.Content}}
			if req.Image != nil && i == lastUser {
				parts = append(parts, wirePart{InlineData: &inlineData{
					MimeType: req.Image.MediaType,
					Data:     req.Image.Base64Data,
				}})
			}
			contents = append(contents, wireContent{Role: "user", Parts: parts})
		}
	}

	wr := wireRequest{Contents: contents}
	if system != "" {
		wr.SystemInstruction = &wireContent{Parts: []wirePart{{Text: system}}}
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil {
		wr.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		wr.Tools = []wireTools{{FunctionDeclarations: decls}}
	}
	return wr
}

func (p *Provider) post(ctx context.Context, model, verb string, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/models/%s:%s", p.baseURL, model, verb)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	return p.client.Do(httpReq)
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.post(ctx, req.Model, "generateContent", body)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, provider.NewUpstreamError("google", resp.StatusCode, bodyBytes)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &domain.ProtocolError{Provider: "google", Cause: err}
	}
	if len(wr.Candidates) == 0 {
		return nil, &domain.ProtocolError{Provider: "google", Cause: fmt.Errorf("no candidates")}
	}

	return toChatResponse(wr, req.Model), nil
}

func toChatResponse(wr wireResponse, model string) *domain.ChatResponse {
	cand := wr.Candidates[0]
	msg := &domain.Message{Role: domain.RoleAssistant}
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
				ID:   "call_" + uuid.NewString(),
				Type: "function",
				Function: domain.FunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				},
			})
		default:
			msg.Content += part.Text
		}
	}

	finish := domain.NormalizeFinishReason(cand.FinishReason)
	if len(msg.ToolCalls) > 0 {
		finish = domain.FinishToolCalls
	}

	out := &domain.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{Index: 0, Message: msg, FinishReason: finish},
		},
	}
	if wr.UsageMetadata != nil {
		out.Usage = domain.Usage{
			PromptTokens:     wr.UsageMetadata.PromptTokenCount,
			CompletionTokens: wr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wr.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

func (p *Provider) ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(toWireRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		resp, err := p.post(ctx, req.Model, "streamGenerateContent?alt=sse", body)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			errs <- provider.NewUpstreamError("google", resp.StatusCode, bodyBytes)
			return
		}

		streamID := "chatcmpl-" + uuid.NewString()
		nextTool := 0
		sawToolCall := false

		emit := func(chunk domain.StreamChunk) bool {
			chunk.ID = streamID
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

			var wr wireResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &wr); err != nil {
				continue
			}
			if len(wr.Candidates) == 0 {
				continue
			}
			cand := wr.Candidates[0]

			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					// Gemini sends each function call whole, never
					// fragmented, so the delta carries full arguments.
					args := string(part.FunctionCall.Args)
					if args == "" {
						args = "{}"
					}
					sawToolCall = true
					toolIdx := nextTool
					nextTool++
					ok := emit(domain.StreamChunk{Choices: []domain.Choice{{
						Index: 0,
						Delta: &domain.Delta{ToolCalls: []domain.ToolCallDelta{{
							Index: toolIdx,
							ID:    "call_" + uuid.NewString(),
							Type:  "function",
							Function: domain.FunctionCall{
								Name:      part.FunctionCall.Name,
								Arguments: args,
							},
						}}},
					}}})
					if !ok {
						return
					}
				case part.Text != "":
					ok := emit(domain.StreamChunk{Choices: []domain.Choice{{
						Index: 0,
						Delta: &domain.Delta{Content: part.Text},
					}}})
					if !ok {
						return
					}
				}
			}

			if cand.FinishReason != "" {
				finish := domain.NormalizeFinishReason(cand.FinishReason)
				if sawToolCall {
					finish = domain.FinishToolCalls
				}
				chunk := domain.StreamChunk{Choices: []domain.Choice{{
					Index:        0,
					Delta:        &domain.Delta{},
					FinishReason: finish,
				}}}
				if wr.UsageMetadata != nil {
					chunk.Usage = &domain.Usage{
						PromptTokens:     wr.UsageMetadata.PromptTokenCount,
						CompletionTokens: wr.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      wr.UsageMetadata.TotalTokenCount,
					}
				}
				if !emit(chunk) {
					return
				}
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
		return &domain.ConfigError{Provider: "google", Reason: "missing API key"}
	}
	return nil
}
