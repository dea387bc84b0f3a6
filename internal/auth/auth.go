// Package auth owns user credentials: registration, login, and resolving a
// bearer API key to its user. It runs strictly before the completion pipeline.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/claudiocassimiro/llm-api/internal/domain"
	"github.com/claudiocassimiro/llm-api/internal/repository"
)

type Service struct {
	users repository.UserRepository
}

func NewService(users repository.UserRepository) *Service {
	return &Service{users: users}
}

// Register creates a user with a bcrypt-hashed password and a fresh opaque
// API key. The key is returned exactly once, in the created user.
func (s *Service) Register(ctx context.Context, username, password string) (*domain.User, error) {
	if username == "" || password == "" {
		return nil, domain.NewClientError("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		Username:     username,
		PasswordHash: string(hash),
		APIKey:       uuid.New().String(),
		CreatedAt:    time.Now(),
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, domain.ErrUsernameTaken) {
			return nil, domain.NewClientError("username already exists")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	slog.Info("user registered", "username", username)
	return user, nil
}

// Login verifies the password and returns the user, including the API key.
func (s *Service) Login(ctx context.Context, username, password string) (*domain.User, error) {
	if username == "" || password == "" {
		return nil, domain.NewClientError("username and password are required")
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.NewAuthError("invalid credentials")
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, domain.NewAuthError("invalid credentials")
	}

	return user, nil
}

// Authenticate resolves an Authorization header to its user. A malformed or
// absent header is treated the same as an unknown key: the failure is logged
// with the offending header value for audit and the caller gets a 401.
func (s *Service) Authenticate(ctx context.Context, authorization string) (*domain.User, error) {
	apiKey, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || apiKey == "" {
		slog.Warn("rejected request with missing or malformed API key", "authorization", authorization)
		return nil, domain.NewAuthError("invalid or missing API key")
	}

	user, err := s.users.GetByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			slog.Warn("rejected request with unknown API key", "authorization", authorization)
			return nil, domain.NewAuthError("invalid or missing API key")
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	return user, nil
}
