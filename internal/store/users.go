package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
)

const userColumns = "id, telegram_id, name, COALESCE(delivery_address, '') AS delivery_address, created_at"

// GetOrCreateUser upserts a chat user by Telegram id, refreshing the display name
func (s *Store) GetOrCreateUser(ctx context.Context, telegramID int64, name string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, `
		INSERT INTO users (telegram_id, name)
		VALUES ($1, $2)
		ON CONFLICT (telegram_id) DO UPDATE SET name = EXCLUDED.name
		RETURNING `+userColumns,
		telegramID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &user, nil
}

// GetUserByID retrieves a user by internal id
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserAddress returns the saved delivery address, empty when none
func (s *Store) GetUserAddress(ctx context.Context, userID int64) (string, error) {
	var address string
	err := s.db.GetContext(ctx, &address,
		"SELECT COALESCE(delivery_address, '') FROM users WHERE id = $1", userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return strings.TrimSpace(address), err
}

// SaveUserAddress stores the default delivery address
func (s *Store) SaveUserAddress(ctx context.Context, userID int64, address string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET delivery_address = $1 WHERE id = $2", address, userID)
	return err
}
