// Package auth authenticates requests with either a gateway API key or a
// JWT bearer token, and attaches the resolved principal to the request
// context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/crypto"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/repository"
)

const defaultTokenTTL = 24 * time.Hour

type Claims struct {
	Username string `json:"username"`
	Status   string `json:"status"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	repo      repository.UserRepository
	jwtSecret []byte
	tokenTTL  time.Duration
}

func NewAuthenticator(repo repository.UserRepository, jwtSecret []byte) *Authenticator {
	return &Authenticator{
		repo:      repo,
		jwtSecret: jwtSecret,
		tokenTTL:  defaultTokenTTL,
	}
}

// Resolve authenticates one Authorization header value (and the optional
// X-API-Key fallback). API keys carry the ak_ prefix; anything else in a
// Bearer header is treated as a JWT.
func (a *Authenticator) Resolve(ctx context.Context, authorization, apiKeyHeader string) (domain.Principal, error) {
	credential := apiKeyHeader
	if credential == "" {
		credential = strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	}
	if credential == "" {
		return domain.Principal{}, domain.ErrUnauthorized
	}

	if strings.HasPrefix(credential, crypto.APIKeyPrefix) {
		return a.resolveAPIKey(ctx, credential)
	}
	return a.resolveJWT(credential)
}

func (a *Authenticator) resolveAPIKey(ctx context.Context, key string) (domain.Principal, error) {
	user, err := a.repo.GetByAPIKeyHash(ctx, crypto.HashAPIKey(key))
	if err != nil {
		return domain.Principal{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	return user.Principal(), nil
}

func (a *Authenticator) resolveJWT(tokenString string) (domain.Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return domain.Principal{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}

	return domain.Principal{
		UserID: claims.Subject,
		Name:   claims.Username,
		Status: claims.Status,
		Admin:  claims.Status == domain.StatusAdmin,
	}, nil
}

// Login verifies a username and password and issues a signed JWT.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, *domain.User, error) {
	user, err := a.repo.GetByUsername(ctx, username)
	if err != nil {
		return "", nil, domain.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, domain.ErrUnauthorized
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := a.repo.Update(ctx, user); err != nil {
		return "", nil, fmt.Errorf("record login: %w", err)
	}

	token, err := a.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// IssueToken signs a JWT for the user with HS256.
func (a *Authenticator) IssueToken(user *domain.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		Status:   user.Status,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// RequireActive rejects principals that authenticated but are still pending
// approval.
func RequireActive(p domain.Principal) error {
	switch p.Status {
	case domain.StatusActive, domain.StatusAdmin:
		return nil
	default:
		return fmt.Errorf("%w: account pending approval", domain.ErrForbidden)
	}
}

// RequireAdmin gates the admin surface.
func RequireAdmin(p domain.Principal) error {
	if !p.Admin {
		return domain.ErrForbidden
	}
	return nil
}

type contextKey string

const principalContextKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(domain.Principal)
	return p, ok
}

// IsAuthError reports whether err should surface as 401 rather than 403.
func IsAuthError(err error) bool {
	return errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrInvalidAPIKey)
}
