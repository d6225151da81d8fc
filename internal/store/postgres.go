package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID int64) (Thread, error) {
	var item Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, is_active, is_closed, swearing_score, moderation_enabled, last_message_at, created_at
		FROM threads
		WHERE id=$1
	`, threadID).Scan(
		&item.ID,
		&item.Title,
		&item.IsActive,
		&item.IsClosed,
		&item.SwearingScore,
		&item.ModerationEnabled,
		&item.LastMessageAt,
		&item.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) UpdateThread(ctx context.Context, item Thread) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads
		SET title=$2, is_active=$3, is_closed=$4, swearing_score=$5, moderation_enabled=$6, last_message_at=$7
		WHERE id=$1
	`, item.ID, item.Title, item.IsActive, item.IsClosed, item.SwearingScore, item.ModerationEnabled, item.LastMessageAt)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update thread rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, item Thread) (Thread, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO threads (title, is_active, moderation_enabled)
		VALUES ($1, $2, $3)
		RETURNING id, is_closed, swearing_score, last_message_at, created_at
	`, item.Title, item.IsActive, item.ModerationEnabled).Scan(
		&item.ID,
		&item.IsClosed,
		&item.SwearingScore,
		&item.LastMessageAt,
		&item.CreatedAt,
	)
	if err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, is_active, is_closed, swearing_score, moderation_enabled, last_message_at, created_at
		FROM threads
		ORDER BY last_message_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		var item Thread
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.IsActive,
			&item.IsClosed,
			&item.SwearingScore,
			&item.ModerationEnabled,
			&item.LastMessageAt,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, item Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (thread_id, user_id, username, original_text, moderated_text, was_modified)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, item.ThreadID, item.UserID, item.Username, item.OriginalText, item.ModeratedText, item.WasModified).Scan(
		&item.ID,
		&item.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("add message: %w", err)
	}
	return item, nil
}

// GetRecentMessages returns up to limit messages for the thread, newest first.
func (s *PostgresStore) GetRecentMessages(ctx context.Context, threadID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, user_id, username, original_text, moderated_text, was_modified, created_at
		FROM messages
		WHERE thread_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var item Message
		if err := rows.Scan(
			&item.ID,
			&item.ThreadID,
			&item.UserID,
			&item.Username,
			&item.OriginalText,
			&item.ModeratedText,
			&item.WasModified,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
