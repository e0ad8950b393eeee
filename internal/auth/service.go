package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vovakirdan/chatsync/internal/store"
)

var (
	// ErrInvalidCredentials is returned when username/password don't match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidUsername is returned for an empty username.
	ErrInvalidUsername = errors.New("invalid username")
)

// Service signs users in, registering unknown usernames on first login the
// way the chat backend does.
type Service struct {
	store     store.UserStore
	jwtConfig *JWTConfig

	// OnRegister runs after a new user is created, for example to add the
	// user to the default room.
	OnRegister func(ctx context.Context, user *store.User) error
}

// NewService creates a new authentication service.
func NewService(userStore store.UserStore, jwtConfig *JWTConfig) *Service {
	return &Service{
		store:     userStore,
		jwtConfig: jwtConfig,
	}
}

// Login returns the user and a session token. Unknown usernames are
// registered with the given password.
func (s *Service) Login(ctx context.Context, username, password string) (*store.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, "", ErrInvalidUsername
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		user, err = s.register(ctx, username, password)
		if err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", fmt.Errorf("get user: %w", err)
	default:
		if errPwd := ComparePassword(user.PasswordHash, password); errPwd != nil {
			return nil, "", ErrInvalidCredentials
		}
	}

	token, err := GenerateToken(s.jwtConfig, user.ID, user.Username)
	if err != nil {
		return nil, "", fmt.Errorf("generate token: %w", err)
	}
	return user, token, nil
}

func (s *Service) register(ctx context.Context, username, password string) (*store.User, error) {
	hashed, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user, err := s.store.CreateUser(ctx, username, hashed)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if s.OnRegister != nil {
		if err := s.OnRegister(ctx, user); err != nil {
			return nil, fmt.Errorf("register hook: %w", err)
		}
	}
	return user, nil
}

// ValidateToken validates a session token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}
