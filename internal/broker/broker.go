// Package broker mints short-lived tokens for live audio sessions. A token
// is bound to one user and model, is valid once, and expires on its own. The
// gateway's long-lived credentials never reach the client; the client
// connects to the live upstream with the ephemeral token instead.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/crypto"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/notifications"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/ratelimit"
)

const (
	ModalityText  = "TEXT"
	ModalityAudio = "AUDIO"

	maxSystemInstruction = 1000
	minSessionDuration   = time.Minute

	// A minted token must open its session promptly even though the
	// session itself may run for the full requested duration.
	sessionStartWindow = 2 * time.Minute

	// Expired records linger for a while so a late redeem reads as
	// "expired" rather than "unknown token".
	tokenRetention = 10 * time.Minute
)

// MintRequest is the client's ask for a live session token.
type MintRequest struct {
	Model             string        `json:"model"`
	ResponseModality  string        `json:"response_modality"`
	Duration          time.Duration `json:"-"`
	DurationMinutes   int           `json:"duration_minutes,omitempty"`
	SystemInstruction string        `json:"system_instruction,omitempty"`
	Temperature       *float64      `json:"temperature,omitempty"`
}

// Constraints echoes the session parameters the token is bound to. The
// client cannot widen them when it opens the session.
type Constraints struct {
	Model            string   `json:"model"`
	ResponseModality string   `json:"response_modality"`
	DurationMinutes  int      `json:"duration_minutes"`
	Temperature      *float64 `json:"temperature,omitempty"`
}

// Token is returned to the client exactly once.
type Token struct {
	Value       string      `json:"token"`
	Model       string      `json:"model"`
	ExpiresAt   time.Time   `json:"expires_at"`
	StartBy     time.Time   `json:"session_start_window"`
	SessionID   string      `json:"session_id"`
	Constraints Constraints `json:"constraints"`
}

// Minter produces the upstream ephemeral credential.
type Minter interface {
	Mint(ctx context.Context, req MintRequest, expires time.Time) (string, error)
}

type record struct {
	sessionID string
	userID    string
	model     string
	expiresAt time.Time
	startBy   time.Time
	used      bool
}

type Config struct {
	AllowedModels []string
	PerHour       int
	PerDay        int
	Cooldown      time.Duration
	MaxDuration   time.Duration

	// AllowSystemInstruction gates client-supplied system instructions for
	// the whole deployment. When false, any mint carrying one is rejected.
	AllowSystemInstruction bool

	Notifier notifications.Notifier
	Logger   *slog.Logger
}

type Broker struct {
	cfg      Config
	minter   Minter
	store    ratelimit.WindowStore
	notifier notifications.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	tokens   map[string]*record // keyed by token hash
	lastMint map[string]time.Time
}

func New(cfg Config, minter Minter, store ratelimit.WindowStore) *Broker {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		minter:   minter,
		store:    store,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		tokens:   make(map[string]*record),
		lastMint: make(map[string]time.Time),
	}
}

func (b *Broker) validate(req *MintRequest) error {
	allowed := false
	for _, m := range b.cfg.AllowedModels {
		if m == req.Model {
			allowed = true
			break
		}
	}
	if !allowed {
		return &domain.ValidationError{Field: "model", Reason: "not available for live sessions"}
	}

	switch req.ResponseModality {
	case "":
		req.ResponseModality = ModalityAudio
	case ModalityText, ModalityAudio:
	default:
		return &domain.ValidationError{Field: "response_modality", Reason: "must be TEXT or AUDIO"}
	}

	if req.Duration == 0 && req.DurationMinutes > 0 {
		req.Duration = time.Duration(req.DurationMinutes) * time.Minute
	}
	if req.Duration == 0 {
		req.Duration = b.cfg.MaxDuration
	}
	if req.Duration < minSessionDuration || req.Duration > b.cfg.MaxDuration {
		return &domain.ValidationError{
			Field:  "duration_minutes",
			Reason: fmt.Sprintf("must be between 1 and %d minutes", int(b.cfg.MaxDuration.Minutes())),
		}
	}

	if req.SystemInstruction != "" && !b.cfg.AllowSystemInstruction {
		return &domain.ValidationError{Field: "system_instruction", Reason: "not permitted"}
	}
	if len(req.SystemInstruction) > maxSystemInstruction {
		return &domain.ValidationError{Field: "system_instruction", Reason: "exceeds 1000 characters"}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return &domain.ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	return nil
}

func (b *Broker) checkCaps(ctx context.Context, userID string) error {
	b.mu.Lock()
	last, ok := b.lastMint[userID]
	b.mu.Unlock()
	if ok && b.cfg.Cooldown > 0 && time.Since(last) < b.cfg.Cooldown {
		return domain.ErrCooldownActive
	}

	if b.cfg.PerHour > 0 {
		allowed, _, _, err := b.store.Incr(ctx, "live:hour:"+userID, b.cfg.PerHour, time.Hour)
		if err != nil {
			return err
		}
		if !allowed {
			return domain.ErrMintRateLimit
		}
	}
	if b.cfg.PerDay > 0 {
		allowed, _, _, err := b.store.Incr(ctx, "live:day:"+userID, b.cfg.PerDay, 24*time.Hour)
		if err != nil {
			return err
		}
		if !allowed {
			return domain.ErrMintRateLimit
		}
	}
	return nil
}

// Mint validates the request, enforces per-user quotas and the cooldown,
// obtains an upstream credential and records it for single-use redemption.
func (b *Broker) Mint(ctx context.Context, principal domain.Principal, req MintRequest) (*Token, error) {
	if err := b.validate(&req); err != nil {
		return nil, err
	}
	if err := b.checkCaps(ctx, principal.UserID); err != nil {
		if errors.Is(err, domain.ErrMintRateLimit) {
			b.notify(ctx, notifications.TypeLiveQuotaHit, principal.UserID,
				fmt.Sprintf("live session quota exhausted for user %s", principal.UserID))
		}
		return nil, err
	}

	now := time.Now()
	expires := now.Add(req.Duration)
	startBy := now.Add(sessionStartWindow)
	if startBy.After(expires) {
		startBy = expires
	}
	value, err := b.minter.Mint(ctx, req, expires)
	if err != nil {
		return nil, err
	}

	sessionID, err := crypto.GenerateAPIKey()
	if err != nil {
		return nil, err
	}
	sessionID = "live_" + sessionID[len(crypto.APIKeyPrefix):]

	b.mu.Lock()
	b.tokens[crypto.HashAPIKey(value)] = &record{
		sessionID: sessionID,
		userID:    principal.UserID,
		model:     req.Model,
		expiresAt: expires,
		startBy:   startBy,
	}
	b.lastMint[principal.UserID] = now
	b.mu.Unlock()

	b.logger.Info("live token minted",
		"user", principal.UserID, "model", req.Model,
		"session", sessionID, "expires_at", expires)

	return &Token{
		Value:     value,
		Model:     req.Model,
		ExpiresAt: expires,
		StartBy:   startBy,
		SessionID: sessionID,
		Constraints: Constraints{
			Model:            req.Model,
			ResponseModality: req.ResponseModality,
			DurationMinutes:  int(req.Duration.Minutes()),
			Temperature:      req.Temperature,
		},
	}, nil
}

func (b *Broker) notify(ctx context.Context, typ notifications.Type, userID, message string) {
	if b.notifier == nil {
		return
	}
	n := notifications.Notification{Type: typ, UserID: userID, Message: message}
	if err := b.notifier.Send(ctx, n); err != nil {
		b.logger.Error("send notification", "type", typ, "error", err)
	}
}

// Redeem marks a token as used. A token redeems at most once; expiry and
// reuse are distinct errors so the client can tell them apart.
func (b *Broker) Redeem(tokenValue string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.tokens[crypto.HashAPIKey(tokenValue)]
	if !ok {
		return "", domain.ErrUnauthorized
	}
	now := time.Now()
	if now.After(rec.expiresAt) || now.After(rec.startBy) {
		return "", domain.ErrTokenExpired
	}
	if rec.used {
		return "", domain.ErrTokenUsed
	}
	rec.used = true
	return rec.sessionID, nil
}

// UsageSnapshot reports a user's remaining mint quota.
type UsageSnapshot struct {
	HourUsed  int `json:"hour_used"`
	HourLimit int `json:"hour_limit"`
	DayUsed   int `json:"day_used"`
	DayLimit  int `json:"day_limit"`
}

func (b *Broker) Usage(ctx context.Context, userID string) (UsageSnapshot, error) {
	snap := UsageSnapshot{HourLimit: b.cfg.PerHour, DayLimit: b.cfg.PerDay}

	hour, _, err := b.store.Peek(ctx, "live:hour:"+userID, time.Hour)
	if err != nil {
		return snap, err
	}
	day, _, err := b.store.Peek(ctx, "live:day:"+userID, 24*time.Hour)
	if err != nil {
		return snap, err
	}
	snap.HourUsed = hour
	snap.DayUsed = day
	return snap, nil
}

// Sweep drops token records that have been expired for longer than the
// retention tail, plus stale cooldown entries. It returns the number of
// records removed.
func (b *Broker) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for hash, rec := range b.tokens {
		if now.After(rec.expiresAt.Add(tokenRetention)) {
			delete(b.tokens, hash)
			removed++
		}
	}
	for user, last := range b.lastMint {
		if b.cfg.Cooldown > 0 && now.Sub(last) > b.cfg.Cooldown {
			delete(b.lastMint, user)
		}
	}
	return removed
}

// ActiveSessions counts unexpired, unredeemed tokens.
func (b *Broker) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	n := 0
	for _, rec := range b.tokens {
		if !rec.used && now.Before(rec.expiresAt) {
			n++
		}
	}
	return n
}
