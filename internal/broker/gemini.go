package broker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1alpha"

// GeminiMinter obtains ephemeral auth tokens from the Gemini Live API.
type GeminiMinter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewGeminiMinter(apiKey string) *GeminiMinter {
	return &GeminiMinter{
		apiKey:  apiKey,
		baseURL: geminiBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewGeminiMinterWithBaseURL is used by tests to point at a stub upstream.
func NewGeminiMinterWithBaseURL(apiKey, baseURL string) *GeminiMinter {
	m := NewGeminiMinter(apiKey)
	m.baseURL = strings.TrimSuffix(baseURL, "/")
	return m
}

type geminiTokenRequest struct {
	Uses             int                  `json:"uses"`
	ExpireTime       string               `json:"expireTime"`
	LiveConstraints  *geminiLiveConfig    `json:"bidiGenerateContentSetup,omitempty"`
	NewSessionExpire *geminiSessionExpire `json:"newSessionExpireTime,omitempty"`
}

type geminiSessionExpire struct {
	ExpireTime string `json:"expireTime"`
}

type geminiLiveConfig struct {
	Model             string            `json:"model"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *geminiSystemText `json:"systemInstruction,omitempty"`
}

type geminiGenConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
	Temperature        *float64 `json:"temperature,omitempty"`
}

type geminiSystemText struct {
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiTokenResponse struct {
	Name string `json:"name"`
}

func (m *GeminiMinter) Mint(ctx context.Context, req MintRequest, expires time.Time) (string, error) {
	if m.apiKey == "" {
		return "", &domain.ConfigError{Provider: "google", Reason: "missing API key for live tokens"}
	}

	startBy := time.Now().Add(sessionStartWindow)
	if startBy.After(expires) {
		startBy = expires
	}
	payload := geminiTokenRequest{
		Uses:             1,
		ExpireTime:       expires.UTC().Format(time.RFC3339),
		NewSessionExpire: &geminiSessionExpire{ExpireTime: startBy.UTC().Format(time.RFC3339)},
		LiveConstraints: &geminiLiveConfig{
			Model: "models/" + req.Model,
			GenerationConfig: &geminiGenConfig{
				ResponseModalities: []string{req.ResponseModality},
				Temperature:        req.Temperature,
			},
		},
	}
	if req.SystemInstruction != "" {
		sys := &geminiSystemText{}
		sys.Parts = append(sys.Parts, struct {
			Text string `json:"text"`
		}{Text: req.SystemInstruction})
		payload.LiveConstraints.SystemInstruction = sys
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/authTokens", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", m.apiKey)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", &domain.UpstreamError{
			Provider:  "google",
			Status:    resp.StatusCode,
			Retryable: resp.StatusCode == 429 || resp.StatusCode >= 500,
			Message:   string(bodyBytes),
		}
	}

	var tr geminiTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &domain.ProtocolError{Provider: "google", Cause: err}
	}
	if tr.Name == "" {
		return "", &domain.ProtocolError{Provider: "google", Cause: fmt.Errorf("empty token name")}
	}
	return tr.Name, nil
}

// StaticMinter issues locally generated opaque tokens. It backs deployments
// without a live upstream and all broker tests.
type StaticMinter struct{}

func (StaticMinter) Mint(ctx context.Context, req MintRequest, expires time.Time) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ephem_" + hex.EncodeToString(buf), nil
}
