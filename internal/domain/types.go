package domain

import "time"

// Message roles accepted on the wire. Anything else is coerced to "user".
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type ChatRequest struct {
	Model               string           `json:"model"`
	Messages            []Message        `json:"messages"`
	Stream              bool             `json:"stream,omitempty"`
	Temperature         *float64         `json:"temperature,omitempty"`
	TopP                *float64         `json:"top_p,omitempty"`
	MaxTokens           *int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int             `json:"max_completion_tokens,omitempty"`
	FrequencyPenalty    *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64         `json:"presence_penalty,omitempty"`
	Tools               []ToolDefinition `json:"tools,omitempty"`
	SystemPrompt        string           `json:"system_prompt,omitempty"`
	Image               *ImageAttachment `json:"image,omitempty"`

	// Endpoint is a per-model upstream URL override from the descriptor's
	// routing block. Set by the dispatcher, never by the client.
	Endpoint string `json:"-"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type ImageAttachment struct {
	MediaType  string `json:"media_type"`
	Base64Data string `json:"base64_data"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is the OpenAI-style function declaration sent to upstreams.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// Delta carries streamed content or tool-call fragments. Tool-call fragments
// arrive keyed by Index and must be accumulated by the consumer.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

type ToolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage across tool-loop hops.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
}

type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Normalized finish reasons. Upstream-specific stop reasons are mapped into
// this set before leaving an adapter.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
	FinishError         = "error"
)

// NormalizeFinishReason maps upstream stop reasons onto the gateway set.
func NormalizeFinishReason(upstream string) string {
	switch upstream {
	case "", "stop", "end_turn", "STOP", "stop_sequence":
		return FinishStop
	case "length", "max_tokens", "MAX_TOKENS":
		return FinishLength
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "content_filter", "SAFETY", "RECITATION":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Principal identifies the authenticated caller attached to a request.
type Principal struct {
	UserID string
	Name   string
	Status string
	Admin  bool
}

// User is a stored account. API keys are stored as SHA-256 hashes; the raw
// key is shown once at creation.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	APIKeyHash   string     `json:"-"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

func (u *User) Principal() Principal {
	return Principal{
		UserID: u.ID,
		Name:   u.Username,
		Status: u.Status,
		Admin:  u.Status == StatusAdmin,
	}
}

// User statuses. Pending users authenticate but cannot call chat routes.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusAdmin   = "admin"
)

// ModelDescriptor is one registry entry, loaded from models/<provider>/<file>.json.
type ModelDescriptor struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"display_name"`
	Provider     string          `json:"provider"`
	APIModel     string          `json:"api_model"`
	Enabled      bool            `json:"enabled"`
	Routing      Routing         `json:"routing"`
	Parameters   ModelParameters `json:"parameters"`
	Capabilities Capabilities    `json:"capabilities"`
	GlobalLimit  *RateLimitSpec  `json:"global_rate_limit,omitempty"`
	UserLimit    *RateLimitSpec  `json:"user_rate_limit,omitempty"`
	Tools        []string        `json:"tools,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
}

// Routing steers a descriptor to a non-default upstream. Service picks the
// adapter (the provider tag is the default); Endpoint replaces the adapter's
// base URL for this model.
type Routing struct {
	Service  string `json:"service,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// ModelParameters are defaults merged into requests. A nil field is absent:
// it is never sent upstream and never defaulted by an adapter.
type ModelParameters struct {
	Temperature         *float64 `json:"temperature,omitempty"`
	TopP                *float64 `json:"top_p,omitempty"`
	MaxTokens           *int     `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int     `json:"max_completion_tokens,omitempty"`
	FrequencyPenalty    *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty     *float64 `json:"presence_penalty,omitempty"`
}

type Capabilities struct {
	Streaming       bool `json:"streaming"`
	Vision          bool `json:"vision"`
	FunctionCalling bool `json:"function_calling"`
	Reasoning       bool `json:"reasoning"`
}

type RateLimitSpec struct {
	Requests int        `json:"requests"`
	Window   RateWindow `json:"window"`
}

type RateWindow struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"`
}

// Duration converts the window spec into a time.Duration. Unknown units fall
// back to minutes, matching the loader's validation default.
func (w RateWindow) Duration() time.Duration {
	amount := w.Amount
	if amount <= 0 {
		amount = 1
	}
	switch w.Unit {
	case "second":
		return time.Duration(amount) * time.Second
	case "hour":
		return time.Duration(amount) * time.Hour
	case "day":
		return time.Duration(amount) * 24 * time.Hour
	default:
		return time.Duration(amount) * time.Minute
	}
}

// ToolDescriptor configures one callable tool.
type ToolDescriptor struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters"`
	Returns          map[string]any `json:"returns,omitempty"`
	Enabled          bool           `json:"enabled"`
	AllowedModels    []string       `json:"allowed_models,omitempty"`
	MaxExecutionSecs int            `json:"max_execution_time,omitempty"`
	RequiresAuth     bool           `json:"requires_auth,omitempty"`
	RateLimit        ToolRateLimit  `json:"rate_limit"`
	Handler          string         `json:"handler"`
}

type ToolRateLimit struct {
	PerMinute int `json:"per_minute,omitempty"`
	PerHour   int `json:"per_hour,omitempty"`
	PerDay    int `json:"per_day,omitempty"`
}
