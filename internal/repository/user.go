package repository

import (
	"context"
	"sync"
	"time"

	"github.com/claudiocassimiro/llm-api/internal/domain"
)

// UserRepository is the persisted user store. AddTokens is the usage ledger:
// a durable, atomic, non-negative increment of tokens_used.
type UserRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	AddTokens(ctx context.Context, username string, delta int64) (int64, error)
}

// InMemoryUserRepository backs development mode and tests.
type InMemoryUserRepository struct {
	mu     sync.RWMutex
	users  map[string]*domain.User
	byKey  map[string]string
	nextID int64
}

func NewInMemoryUserRepository() *InMemoryUserRepository {
	return &InMemoryUserRepository{
		users: make(map[string]*domain.User),
		byKey: make(map[string]string),
	}
}

func (r *InMemoryUserRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	username, ok := r.byKey[apiKey]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return r.copyUser(username)
}

func (r *InMemoryUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyUser(username)
}

func (r *InMemoryUserRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.Username]; exists {
		return domain.ErrUsernameTaken
	}

	r.nextID++
	user.ID = r.nextID
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	stored := *user
	r.users[user.Username] = &stored
	r.byKey[user.APIKey] = user.Username

	return nil
}

func (r *InMemoryUserRepository) AddTokens(ctx context.Context, username string, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[username]
	if !ok {
		return 0, domain.ErrUserNotFound
	}

	user.TokensUsed += delta
	return user.TokensUsed, nil
}

// copyUser returns a snapshot so callers never share the stored struct.
func (r *InMemoryUserRepository) copyUser(username string) (*domain.User, error) {
	user, ok := r.users[username]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}
