package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/api"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/auth"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/broker"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/config"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/crypto"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/dispatch"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/health"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/httputil"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/metrics"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/notifications"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider/anthropic"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider/bedrock"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider/google"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider/local"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider/openai"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/provider/openrouter"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/queue"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/registry"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/repository"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/secrets"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/telemetry"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/tools"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/usage"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting routerbox", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "routerbox", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	// Provider API keys may come from Secrets Manager instead of the
	// environment.
	if cfg.AWSSecretsName != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init secrets manager", "error", err)
			os.Exit(1)
		}
		keys, err := secrets.ProviderKeys(ctx, store, cfg.AWSSecretsName)
		if err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		applySecretKeys(cfg, keys)
		slog.Info("provider keys loaded from secrets manager", "secret", cfg.AWSSecretsName)
	} else if cfg.SecretsDir != "" && cfg.EncryptionKey != "" {
		store, err := secrets.NewEncryptedFileStore(cfg.SecretsDir, cfg.EncryptionKey)
		if err != nil {
			slog.Error("failed to open secrets dir", "error", err)
			os.Exit(1)
		}
		keys, err := secrets.ProviderKeys(ctx, store, "provider_keys")
		if err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		applySecretKeys(cfg, keys)
		slog.Info("provider keys loaded from encrypted store", "dir", cfg.SecretsDir)
	}

	reg, err := registry.New(cfg.ModelsDir)
	if err != nil {
		slog.Error("failed to load model registry", "dir", cfg.ModelsDir, "error", err)
		os.Exit(1)
	}
	watcher, err := registry.NewWatcher(reg, 500*time.Millisecond)
	if err != nil {
		slog.Error("failed to watch models directory", "error", err)
		os.Exit(1)
	}
	watcher.Start()
	defer watcher.Stop()

	var store ratelimit.WindowStore
	if cfg.RedisURL != "" {
		redisStore, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		store = redisStore
		slog.Info("using redis rate limit store")
	} else {
		store = ratelimit.NewInMemoryStore()
		slog.Info("using in-memory rate limit store")
	}

	toolReg, err := tools.NewRegistry(cfg.ToolsDir, tools.BuiltinHandlers(tools.HandlerConfig{
		WolframAppID:   cfg.WolframAppID,
		CodeSandboxURL: cfg.CodeSandboxURL,
		HTTPClient:     httputil.DefaultClient(),
	}))
	if err != nil {
		slog.Error("failed to load tool registry", "dir", cfg.ToolsDir, "error", err)
		os.Exit(1)
	}

	bus := tools.NewBus()
	executor := tools.NewExecutor(toolReg, store, bus, time.Hour)

	adapters := buildAdapters(ctx, cfg)
	if len(adapters) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}
	providers := provider.NewSet(adapters...)

	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" {
		snsNotifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to init sns notifier", "error", err)
			os.Exit(1)
		}
		notifier = snsNotifier
		slog.Info("notifications via sns", "topic", cfg.SNSTopicARN)
	}

	healthOpts := []health.Option{}
	if notifier != nil {
		healthOpts = append(healthOpts, health.WithNotifier(notifier))
	}
	healthTracker := health.NewTracker(health.DefaultConfig(), healthOpts...)
	for _, a := range adapters {
		healthTracker.Observe(a.ID())
	}

	var publisher usage.Publisher
	if cfg.SQSUsageQueueURL != "" {
		sqsPublisher, err := usage.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.SQSUsageQueueURL)
		if err != nil {
			slog.Error("failed to init sqs publisher", "error", err)
			os.Exit(1)
		}
		publisher = sqsPublisher
		slog.Info("usage events via sqs", "queue", cfg.SQSUsageQueueURL)
	}
	tracker := usage.NewTracker(publisher)

	users, err := buildUserRepository(ctx, cfg)
	if err != nil {
		slog.Error("failed to init user store", "error", err)
		os.Exit(1)
	}
	authenticator := auth.NewAuthenticator(users, []byte(cfg.JWTSecret))

	var minter broker.Minter
	if cfg.GeminiAPIKey != "" {
		minter = broker.NewGeminiMinter(cfg.GeminiAPIKey)
	} else {
		minter = broker.StaticMinter{}
		slog.Warn("no gemini key, live tokens are locally minted")
	}
	liveBroker := broker.New(broker.Config{
		AllowedModels:          cfg.LiveTokenModels,
		PerHour:                cfg.LiveTokenPerHour,
		PerDay:                 cfg.LiveTokenPerDay,
		Cooldown:               cfg.LiveTokenCooldown,
		MaxDuration:            cfg.LiveTokenMaxDuration,
		AllowSystemInstruction: cfg.LiveTokenSystemInstrAllow,
		Notifier:               notifier,
	}, minter, store)

	settings, err := registry.LoadSettings(cfg.ModelsDir, registry.GlobalSettings{MaxQueueSize: cfg.MaxQueueSize})
	if err != nil {
		slog.Error("global settings unreadable", "error", err)
		os.Exit(1)
	}
	requestQueue := queue.New(settings.QueueBound())

	dispatcher := dispatch.New(dispatch.Config{
		Registry:      reg,
		Providers:     providers,
		Limiter:       ratelimit.NewEngine(store, cfg.RateLimitsDisabled),
		Queue:         requestQueue,
		Tools:         toolReg,
		Executor:      executor,
		Usage:         tracker,
		Health:        healthTracker,
		Notifier:      notifier,
		WaitTimeout:   cfg.QueueWaitTimeout,
		MaxConcurrent: cfg.MaxConcurrentUpstream,
		MaxHops:       cfg.ToolLoopMaxHops,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Auth:        authenticator,
		Dispatcher:  dispatcher,
		Registry:    reg,
		Providers:   providers,
		Tools:       toolReg,
		Executor:    executor,
		Bus:         bus,
		Broker:      liveBroker,
		Usage:       tracker,
		Queue:       requestQueue,
		Health:      healthTracker,
		Users:       users,
		CORSOrigins: cfg.CORSOrigins,
	})

	// Background sweepers for finished executions and expired live tokens,
	// plus the slow-moving gauges.
	go sweep(ctx, time.Minute, func(now time.Time) {
		executor.Sweep(now)
		liveBroker.Sweep(now)
		for model, depth := range requestQueue.Depths() {
			metrics.SetQueueDepth(model, depth)
		}
		for providerID, ph := range healthTracker.Snapshot() {
			metrics.SetProviderHealthState(providerID, healthStateValue(ph.State))
		}
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSEnabled() {
			slog.Info("server listening with TLS", "addr", cfg.Addr)
			err = srv.ListenAndServeTLS(cfg.SSLCertPath, cfg.SSLKeyPath)
		} else {
			slog.Info("server listening", "addr", cfg.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	requestQueue.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown", "error", err)
	}

	slog.Info("server stopped")
}

func buildAdapters(ctx context.Context, cfg *config.Config) []provider.Adapter {
	var adapters []provider.Adapter

	if cfg.OpenAIAPIKey != "" {
		adapters = append(adapters, openai.New(cfg.OpenAIAPIKey))
		slog.Info("registered provider", "provider", "openai")
	}
	if cfg.AnthropicAPIKey != "" {
		adapters = append(adapters, anthropic.New(cfg.AnthropicAPIKey))
		slog.Info("registered provider", "provider", "anthropic")
	}
	if cfg.GeminiAPIKey != "" {
		adapters = append(adapters, google.New(cfg.GeminiAPIKey))
		slog.Info("registered provider", "provider", "google")
	}
	if cfg.OpenRouterAPIKey != "" {
		adapters = append(adapters, openrouter.New(cfg.OpenRouterAPIKey, "", ""))
		slog.Info("registered provider", "provider", "openrouter")
	}
	if cfg.OllamaBaseURL != "" {
		adapters = append(adapters, local.New(cfg.OllamaBaseURL))
		slog.Info("registered provider", "provider", "local", "url", cfg.OllamaBaseURL)
	}
	if cfg.AWSRegion != "" {
		bedrockAdapter, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("bedrock unavailable", "error", err)
		} else {
			adapters = append(adapters, bedrockAdapter)
			slog.Info("registered provider", "provider", "bedrock")
		}
	}

	return adapters
}

func buildUserRepository(ctx context.Context, cfg *config.Config) (repository.UserRepository, error) {
	if cfg.DatabaseURL != "" {
		db, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("using postgres user store")
		return repository.NewPostgresUserRepository(db), nil
	}

	repo := repository.NewInMemoryUserRepository()
	if cfg.AdminPassword != "" {
		if err := seedAdmin(ctx, repo, cfg.AdminPassword); err != nil {
			return nil, err
		}
	} else {
		slog.Warn("in-memory user store without ADMIN_PASSWORD, admin surface unreachable")
	}
	return repo, nil
}

// seedAdmin bootstraps the in-memory store with an admin account so the
// admin surface works on a fresh deployment. The key is logged once.
func seedAdmin(ctx context.Context, repo repository.UserRepository, password string) error {
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	apiKey, err := crypto.GenerateAPIKey()
	if err != nil {
		return err
	}

	now := time.Now()
	admin := &domain.User{
		ID:           "admin",
		Username:     "admin",
		PasswordHash: passwordHash,
		APIKeyHash:   crypto.HashAPIKey(apiKey),
		Status:       domain.StatusAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.Create(ctx, admin); err != nil {
		return err
	}

	slog.Info("seeded admin user", "username", "admin", "api_key", apiKey)
	return nil
}

func applySecretKeys(cfg *config.Config, keys map[string]string) {
	if v, ok := keys["openai"]; ok && cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = v
	}
	if v, ok := keys["anthropic"]; ok && cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = v
	}
	if v, ok := keys["gemini"]; ok && cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = v
	}
	if v, ok := keys["openrouter"]; ok && cfg.OpenRouterAPIKey == "" {
		cfg.OpenRouterAPIKey = v
	}
}

func healthStateValue(state string) int {
	switch state {
	case "down":
		return 1
	case "recovering":
		return 2
	default:
		return 0
	}
}

func sweep(ctx context.Context, every time.Duration, fn func(now time.Time)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
