// Package bedrock adapts the normalized chat protocol to Anthropic models
// hosted on AWS Bedrock. Credentials come from the default AWS chain.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 4096
)

type Provider struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

type wireRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []wireMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
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

type streamChunk struct {
	Type  string       `json:"type"`
	Delta *streamDelta `json:"delta,omitempty"`
	Usage *wireUsage   `json:"usage,omitempty"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

func toWireRequest(req domain.ChatRequest) wireRequest {
	system := req.SystemPrompt

	lastUser := -1
	for i, m := range req.Messages {
		if m.Role == domain.RoleUser {
			lastUser = i
		}
	}

	var messages []wireMessage
	for i, m := range req.Messages {
		switch m.Role {
		case domain.RoleSystem:
			if system == "" {
				system = m.Content
			} else {
				system += "\n" + m.Content
			}
		case domain.RoleUser:
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
			messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
		default:
			messages = append(messages, wireMessage{Role: domain.RoleAssistant, Content: m.Content})
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	return wireRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           system,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
	}
}

func (p *Provider) ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := p.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, &domain.UpstreamError{Provider: "bedrock", Status: 502, Retryable: true, Message: err.Error()}
	}

	var wr wireResponse
	if err := json.Unmarshal(output.Body, &wr); err != nil {
		return nil, &domain.ProtocolError{Provider: "bedrock", Cause: err}
	}

	var content string
	for _, block := range wr.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.ChatResponse{
		ID:      wr.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.Message{
					Role:    domain.RoleAssistant,
					Content: content,
				},
				FinishReason: domain.NormalizeFinishReason(wr.StopReason),
			},
		},
		Usage: domain.Usage{
			PromptTokens:     wr.Usage.InputTokens,
			CompletionTokens: wr.Usage.OutputTokens,
			TotalTokens:      wr.Usage.InputTokens + wr.Usage.OutputTokens,
		},
	}, nil
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

		input := &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, input)
		if err != nil {
			errs <- &domain.UpstreamError{Provider: "bedrock", Status: 502, Retryable: true, Message: err.Error()}
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		streamID := "chatcmpl-" + uuid.NewString()

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

		for event := range stream.Events() {
			member, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var sc streamChunk
			if err := json.Unmarshal(member.Value.Bytes, &sc); err != nil {
				continue
			}

			switch sc.Type {
			case "content_block_delta":
				if sc.Delta == nil || sc.Delta.Text == "" {
					continue
				}
				ok := emit(domain.StreamChunk{Choices: []domain.Choice{{
					Index: 0,
					Delta: &domain.Delta{Content: sc.Delta.Text},
				}}})
				if !ok {
					return
				}
			case "message_delta":
				chunk := domain.StreamChunk{Choices: []domain.Choice{{
					Index: 0,
					Delta: &domain.Delta{},
				}}}
				if sc.Delta != nil && sc.Delta.StopReason != "" {
					chunk.Choices[0].FinishReason = domain.NormalizeFinishReason(sc.Delta.StopReason)
				}
				if sc.Usage != nil {
					chunk.Usage = &domain.Usage{
						PromptTokens:     sc.Usage.InputTokens,
						CompletionTokens: sc.Usage.OutputTokens,
						TotalTokens:      sc.Usage.InputTokens + sc.Usage.OutputTokens,
					}
				}
				if !emit(chunk) {
					return
				}
			case "message_stop":
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- fmt.Errorf("stream error: %w", err)
		}
	}()

	return chunks, errs
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}
