package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/claudiocassimiro/llm-api/internal/domain"
)

// PostgresUserRepository stores users in the users table:
// id serial, username text unique, password_hash text, api_key text unique,
// tokens_used bigint default 0, created_at timestamptz.
type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.User, error) {
	query := `
		SELECT id, username, password_hash, api_key, tokens_used, created_at
		FROM users
		WHERE api_key = $1
	`
	return r.scanUser(r.db.QueryRowContext(ctx, query, apiKey))
}

func (r *PostgresUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, username, password_hash, api_key, tokens_used, created_at
		FROM users
		WHERE username = $1
	`
	return r.scanUser(r.db.QueryRowContext(ctx, query, username))
}

func (r *PostgresUserRepository) Create(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO users (username, password_hash, api_key, tokens_used, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := r.db.QueryRowContext(ctx, query,
		user.Username,
		user.PasswordHash,
		user.APIKey,
		user.TokensUsed,
		user.CreatedAt,
	).Scan(&user.ID)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return domain.ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

// AddTokens applies the usage delta as a single atomic statement so
// overlapping requests for the same user never lose an increment.
func (r *PostgresUserRepository) AddTokens(ctx context.Context, username string, delta int64) (int64, error) {
	query := `
		UPDATE users
		SET tokens_used = tokens_used + $2
		WHERE username = $1
		RETURNING tokens_used
	`

	var total int64
	err := r.db.QueryRowContext(ctx, query, username, delta).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, domain.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("update tokens_used: %w", err)
	}

	return total, nil
}

func (r *PostgresUserRepository) scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.APIKey,
		&user.TokensUsed,
		&user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}
