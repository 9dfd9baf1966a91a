package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingJWTSecret = errors.New("JWT_SECRET is required and must be at least 32 bytes")
)

type Config struct {
	Addr     string
	LogLevel string

	JWTSecret     string
	AdminPassword string
	EncryptionKey string

	OpenAIAPIKey     string
	AnthropicAPIKey  string
	GeminiAPIKey     string
	OpenRouterAPIKey string
	OllamaBaseURL    string

	CORSOrigins []string

	SSLCertPath string
	SSLKeyPath  string
	ForceHTTP   bool

	ModelsDir string
	ToolsDir  string

	RedisURL    string
	DatabaseURL string

	OTLPEndpoint string

	AWSRegion        string
	AWSSecretsName   string
	SecretsDir       string
	SQSUsageQueueURL string
	SNSTopicARN      string

	RateLimitsDisabled    bool
	QueueWaitTimeout      time.Duration
	MaxQueueSize          int
	MaxConcurrentUpstream int
	ToolLoopMaxHops       int

	LiveTokenModels           []string
	LiveTokenMaxDuration      time.Duration
	LiveTokenPerHour          int
	LiveTokenPerDay           int
	LiveTokenCooldown         time.Duration
	LiveTokenSystemInstrAllow bool

	WolframAppID   string
	CodeSandboxURL string

	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment. It fails hard on the
// startup-fatal conditions: a short or missing JWT secret.
func Load() (*Config, error) {
	addr := getEnv("ADDR", "")
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	if addr == "" {
		addr = ":8080"
	}

	cfg := &Config{
		Addr:     addr,
		LogLevel: getEnv("LOG_LEVEL", "info"),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OllamaBaseURL:    getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),

		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),

		SSLCertPath: os.Getenv("SSL_CERT_PATH"),
		SSLKeyPath:  os.Getenv("SSL_KEY_PATH"),
		ForceHTTP:   getEnv("FORCE_HTTP", "false") == "true",

		ModelsDir: getEnv("MODELS_DIR", "models"),
		ToolsDir:  getEnv("TOOLS_DIR", "tools"),

		RedisURL:    os.Getenv("REDIS_URL"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),

		AWSRegion:        os.Getenv("AWS_REGION"),
		AWSSecretsName:   os.Getenv("AWS_SECRETS_NAME"),
		SecretsDir:       os.Getenv("SECRETS_DIR"),
		SQSUsageQueueURL: os.Getenv("SQS_USAGE_QUEUE_URL"),
		SNSTopicARN:      os.Getenv("SNS_TOPIC_ARN"),

		RateLimitsDisabled:    getEnv("RATE_LIMITS_DISABLED", "false") == "true",
		QueueWaitTimeout:      getDurationEnv("QUEUE_WAIT_TIMEOUT", 30*time.Second),
		MaxQueueSize:          getIntEnv("MAX_QUEUE_SIZE", 256),
		MaxConcurrentUpstream: getIntEnv("MAX_CONCURRENT_UPSTREAM", 64),
		ToolLoopMaxHops:       getIntEnv("TOOL_LOOP_MAX_HOPS", 8),

		LiveTokenModels:           splitList(getEnv("LIVE_TOKEN_MODELS", "gemini-2.0-flash-live-001")),
		LiveTokenMaxDuration:      getDurationEnv("LIVE_TOKEN_MAX_DURATION", 30*time.Minute),
		LiveTokenPerHour:          getIntEnv("LIVE_TOKEN_PER_HOUR", 10),
		LiveTokenPerDay:           getIntEnv("LIVE_TOKEN_PER_DAY", 50),
		LiveTokenCooldown:         getDurationEnv("LIVE_TOKEN_COOLDOWN", time.Minute),
		LiveTokenSystemInstrAllow: getEnv("LIVE_TOKEN_ALLOW_SYSTEM_INSTRUCTION", "true") == "true",

		WolframAppID:   os.Getenv("WOLFRAM_APP_ID"),
		CodeSandboxURL: os.Getenv("CODE_SANDBOX_URL"),

		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if len(cfg.JWTSecret) < 32 {
		return nil, ErrMissingJWTSecret
	}

	return cfg, nil
}

// TLSEnabled reports whether the server should terminate TLS itself: both
// cert and key must be present and readable, and FORCE_HTTP must be unset.
func (c *Config) TLSEnabled() bool {
	if c.ForceHTTP || c.SSLCertPath == "" || c.SSLKeyPath == "" {
		return false
	}
	if _, err := os.Stat(c.SSLCertPath); err != nil {
		return false
	}
	if _, err := os.Stat(c.SSLKeyPath); err != nil {
		return false
	}
	return true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
