package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loreforge/loreforge/internal/model"
)

// CreateUser inserts a user. Existing IDs are left untouched so seeding is
// idempotent.
func (db *DB) CreateUser(ctx context.Context, id, displayName, apiKeyHash string) (model.User, error) {
	u := model.User{ID: id, DisplayName: displayName, CreatedAt: time.Now().UTC()}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.DisplayName, nullStr(apiKeyHash), u.CreatedAt,
	)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by ID.
func (db *DB) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := db.pool.QueryRow(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// GetUserAPIKeyHash returns the stored Argon2id hash for a user, or
// ErrNotFound when the user does not exist or has no key.
func (db *DB) GetUserAPIKeyHash(ctx context.Context, id string) (string, error) {
	var hash *string
	err := db.pool.QueryRow(ctx,
		`SELECT api_key_hash FROM users WHERE id = $1`, id,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get user api key hash: %w", err)
	}
	if hash == nil {
		return "", ErrNotFound
	}
	return *hash, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
