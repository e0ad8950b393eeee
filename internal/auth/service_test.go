package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/chatsync/internal/store"
	"github.com/vovakirdan/chatsync/internal/store/sqlite"
)

func newTestAuthService(t *testing.T) *Service {
	t.Helper()

	st, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	jwtConfig := &JWTConfig{
		Secret: []byte("test-secret-change-me"),
		Issuer: "test",
		TTL:    24 * time.Hour,
	}

	return NewService(st, jwtConfig)
}

func TestLogin_RegistersUnknownUser(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	var registered []string
	svc.OnRegister = func(_ context.Context, u *store.User) error {
		registered = append(registered, u.Username)
		return nil
	}

	user, token, err := svc.Login(ctx, " alice ", "password123")
	if err != nil {
		t.Fatalf("expected login success, got %v", err)
	}
	if user.Username != "alice" || token == "" {
		t.Fatalf("unexpected result: %+v %q", user, token)
	}

	again, _, err := svc.Login(ctx, "alice", "password123")
	if err != nil || again.ID != user.ID {
		t.Fatalf("expected same user on second login, got %+v, %v", again, err)
	}
	if len(registered) != 1 {
		t.Fatalf("expected one registration, got %v", registered)
	}
}

func TestLogin_RejectsWrongPassword(t *testing.T) {
	svc := newTestAuthService(t)
	ctx := context.Background()

	if _, _, err := svc.Login(ctx, "alice", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := svc.Login(ctx, "alice", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "  ", "x"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
}

func TestToken_RoundTrip(t *testing.T) {
	svc := newTestAuthService(t)

	user, token, err := svc.Login(context.Background(), "bob", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != user.ID || claims.Username != "bob" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	other := &JWTConfig{Secret: []byte("other"), Issuer: "test", TTL: time.Hour}
	if _, err := ValidateToken(other, token); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}
}
