package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/crypto"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/domain"
	"github.com/Sculptor-AI/aiportal-backend-sub001/internal/repository"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuthenticator(t *testing.T) (*Authenticator, *repository.InMemoryUserRepository, string) {
	t.Helper()

	repo := repository.NewInMemoryUserRepository()
	rawKey, err := crypto.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	passwordHash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}

	user := &domain.User{
		ID:           "u-1",
		Username:     "alice",
		PasswordHash: passwordHash,
		APIKeyHash:   crypto.HashAPIKey(rawKey),
		Status:       domain.StatusActive,
	}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	return NewAuthenticator(repo, testSecret), repo, rawKey
}

func TestResolveAPIKey(t *testing.T) {
	a, _, rawKey := newTestAuthenticator(t)
	ctx := context.Background()

	p, err := a.Resolve(ctx, "Bearer "+rawKey, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.UserID != "u-1" || p.Name != "alice" {
		t.Errorf("principal = %+v", p)
	}

	// X-API-Key works without a Bearer header.
	if _, err := a.Resolve(ctx, "", rawKey); err != nil {
		t.Errorf("Resolve() via header error = %v", err)
	}

	if _, err := a.Resolve(ctx, "Bearer ak_wrong", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("bad key error = %v, want ErrUnauthorized", err)
	}
	if _, err := a.Resolve(ctx, "", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("no credential error = %v, want ErrUnauthorized", err)
	}
}

func TestLoginAndJWT(t *testing.T) {
	a, repo, _ := newTestAuthenticator(t)
	ctx := context.Background()

	token, user, err := a.Login(ctx, "alice", "hunter22")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if user.LastLoginAt == nil {
		t.Error("last login not recorded")
	}
	stored, _ := repo.GetByID(ctx, "u-1")
	if stored.LastLoginAt == nil {
		t.Error("last login not persisted")
	}

	p, err := a.Resolve(ctx, "Bearer "+token, "")
	if err != nil {
		t.Fatalf("Resolve(jwt) error = %v", err)
	}
	if p.UserID != "u-1" || p.Status != domain.StatusActive {
		t.Errorf("principal = %+v", p)
	}

	if _, _, err := a.Login(ctx, "alice", "wrong"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("bad password error = %v", err)
	}
	if _, _, err := a.Login(ctx, "nobody", "hunter22"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("unknown user error = %v", err)
	}
}

func TestResolveRejectsExpiredJWT(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)

	claims := Claims{
		Username: "alice",
		Status:   domain.StatusActive,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Resolve(context.Background(), "Bearer "+expired, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expired token error = %v, want ErrUnauthorized", err)
	}
}

func TestResolveRejectsWrongSecret(t *testing.T) {
	a, _, _ := newTestAuthenticator(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("another-secret-another-secret-xx"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.Resolve(context.Background(), "Bearer "+forged, ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("forged token error = %v, want ErrUnauthorized", err)
	}
}

func TestStatusGates(t *testing.T) {
	pending := domain.Principal{UserID: "u-2", Status: domain.StatusPending}
	if err := RequireActive(pending); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("pending user error = %v, want ErrForbidden", err)
	}

	active := domain.Principal{UserID: "u-1", Status: domain.StatusActive}
	if err := RequireActive(active); err != nil {
		t.Errorf("active user error = %v", err)
	}
	if err := RequireAdmin(active); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("non-admin error = %v, want ErrForbidden", err)
	}

	admin := domain.Principal{UserID: "u-0", Status: domain.StatusAdmin, Admin: true}
	if err := RequireAdmin(admin); err != nil {
		t.Errorf("admin error = %v", err)
	}
}

func TestPrincipalContext(t *testing.T) {
	p := domain.Principal{UserID: "u-1"}
	ctx := WithPrincipal(context.Background(), p)

	got, ok := PrincipalFromContext(ctx)
	if !ok || got.UserID != "u-1" {
		t.Errorf("PrincipalFromContext() = %+v, %v", got, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("empty context must not carry a principal")
	}
}
