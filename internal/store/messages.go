package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scenecast/scenecast/internal/memory"
)

var _ memory.Store = (*Store)(nil)

// InsertMessage implements the durable tier of [memory.Store].
func (s *Store) InsertMessage(ctx context.Context, character string, msg memory.Message) (int64, error) {
	const q = `
		INSERT INTO conversation_messages
		    (character_name, role, content, interrupted, generated_text, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id`

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var id int64
	err := s.pool.QueryRow(ctx, q,
		character, msg.Role, msg.Content, msg.Interrupted, msg.GeneratedText, msg.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	return id, nil
}

// UpdateMessageContent implements [memory.Store].
func (s *Store) UpdateMessageContent(ctx context.Context, id int64, content string) error {
	const q = `UPDATE conversation_messages SET content = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id, content); err != nil {
		return fmt.Errorf("store: update message: %w", err)
	}
	return nil
}

// DeleteMessages implements [memory.Store].
func (s *Store) DeleteMessages(ctx context.Context, character string) error {
	const q = `DELETE FROM conversation_messages WHERE character_name = $1`
	if _, err := s.pool.Exec(ctx, q, character); err != nil {
		return fmt.Errorf("store: delete messages: %w", err)
	}
	return nil
}

// LoadMessages implements [memory.Store]: all rows for a character in
// created-at order.
func (s *Store) LoadMessages(ctx context.Context, character string) ([]memory.Message, error) {
	const q = `
		SELECT id, role, content, interrupted, COALESCE(generated_text, ''), created_at
		FROM   conversation_messages
		WHERE  character_name = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, character)
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Message, error) {
		var m memory.Message
		err := row.Scan(&m.DBID, &m.Role, &m.Content, &m.Interrupted, &m.GeneratedText, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: load messages: %w", err)
	}
	return msgs, nil
}
