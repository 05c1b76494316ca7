package database

import (
	"coalarm-dispatch/internal/types"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertUser saves a user profile and returns its id
func (s *Store) InsertUser(ctx context.Context, user types.User) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (nickname, discord_webhook) VALUES (?, ?);`,
		user.Nickname, user.DiscordWebhook,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	return res.LastInsertId()
}

// UserByID fetches one user profile
func (s *Store) UserByID(ctx context.Context, userID int64) (types.User, error) {
	var user types.User
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, nickname, discord_webhook FROM users WHERE id = ?;`, userID,
	).Scan(&user.ID, &user.Nickname, &user.DiscordWebhook)
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, ErrNotFound
	} else if err != nil {
		return types.User{}, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
	return user, nil
}

// UpdateUserNickname changes the public nickname of a user
func (s *Store) UpdateUserNickname(ctx context.Context, userID int64, nickname string) error {
	return s.updateUser(ctx, `UPDATE users SET nickname = ? WHERE id = ?;`, nickname, userID)
}

// UpdateUserWebhook changes the external chat target of a user
func (s *Store) UpdateUserWebhook(ctx context.Context, userID int64, webhook string) error {
	return s.updateUser(ctx, `UPDATE users SET discord_webhook = ? WHERE id = ?;`, webhook, userID)
}

func (s *Store) updateUser(ctx context.Context, query string, value string, userID int64) error {
	res, err := s.DB.ExecContext(ctx, query, value, userID)
	if err != nil {
		return fmt.Errorf("failed to update user %d: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
