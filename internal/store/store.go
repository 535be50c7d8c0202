// Package store is the durable layer: a pgx connection pool plus typed
// accessors for characters, conversation messages, presets, the playback
// log, wish-session archives, and the two singleton rows (platform token and
// wish configuration).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors the HTTP layer maps onto status codes.
var (
	ErrNotFound = errors.New("store: not found")

	// ErrConflict signals an optimistic-concurrency failure: the row changed
	// since the caller last read it.
	ErrConflict = errors.New("store: concurrent modification")
)

// Character is the unit of configuration for one overlay channel.
type Character struct {
	ID          int64
	Name        string
	Description string
	Color       string
	Icon        string

	DefaultVolume float64
	MuteState     bool

	DefaultTextStyle string
	TextFontFamily   string
	TextFontSize     int
	TextColor        string
	TextStrokeColor  string
	TextStrokeWidth  int
	TextPositionX    float64
	TextPositionY    float64
	TextDuration     int

	SystemPrompt  string
	Model         string
	ProviderOrder string
	Temperature   float64
	MaxTokens     int

	TwitchChatEnabled       bool
	TwitchChatWindowSeconds int
	TwitchChatMaxMessages   int

	MemoryEnabled bool
	PersistMemory bool

	TTSProvider string
	TTSSettings string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps the shared connection pool. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and runs migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes the database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const characterColumns = `
	id, name, description, color, icon,
	default_volume, mute_state,
	default_text_style, text_font_family, text_font_size,
	text_color, text_stroke_color, text_stroke_width,
	text_position_x, text_position_y, text_duration,
	system_prompt, model, provider_order, temperature, max_tokens,
	twitch_chat_enabled, twitch_chat_window_seconds, twitch_chat_max_messages,
	memory_enabled, persist_memory,
	tts_provider, tts_settings,
	created_at, updated_at`

func scanCharacter(row pgx.CollectableRow) (Character, error) {
	var c Character
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.Color, &c.Icon,
		&c.DefaultVolume, &c.MuteState,
		&c.DefaultTextStyle, &c.TextFontFamily, &c.TextFontSize,
		&c.TextColor, &c.TextStrokeColor, &c.TextStrokeWidth,
		&c.TextPositionX, &c.TextPositionY, &c.TextDuration,
		&c.SystemPrompt, &c.Model, &c.ProviderOrder, &c.Temperature, &c.MaxTokens,
		&c.TwitchChatEnabled, &c.TwitchChatWindowSeconds, &c.TwitchChatMaxMessages,
		&c.MemoryEnabled, &c.PersistMemory,
		&c.TTSProvider, &c.TTSSettings,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// CreateCharacter inserts a character and returns the stored row. A name
// collision surfaces as ErrConflict.
func (s *Store) CreateCharacter(ctx context.Context, c Character) (Character, error) {
	const q = `
		INSERT INTO characters
		    (name, description, color, icon,
		     default_volume, mute_state,
		     default_text_style, text_font_family, text_font_size,
		     text_color, text_stroke_color, text_stroke_width,
		     text_position_x, text_position_y, text_duration,
		     system_prompt, model, provider_order, temperature, max_tokens,
		     twitch_chat_enabled, twitch_chat_window_seconds, twitch_chat_max_messages,
		     memory_enabled, persist_memory, tts_provider, tts_settings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
		ON CONFLICT (name) DO NOTHING
		RETURNING ` + characterColumns

	rows, err := s.pool.Query(ctx, q,
		c.Name, c.Description, c.Color, c.Icon,
		c.DefaultVolume, c.MuteState,
		c.DefaultTextStyle, c.TextFontFamily, c.TextFontSize,
		c.TextColor, c.TextStrokeColor, c.TextStrokeWidth,
		c.TextPositionX, c.TextPositionY, c.TextDuration,
		c.SystemPrompt, c.Model, c.ProviderOrder, c.Temperature, c.MaxTokens,
		c.TwitchChatEnabled, c.TwitchChatWindowSeconds, c.TwitchChatMaxMessages,
		c.MemoryEnabled, c.PersistMemory, c.TTSProvider, c.TTSSettings,
	)
	if err != nil {
		return Character{}, fmt.Errorf("store: create character: %w", err)
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanCharacter)
	if errors.Is(err, pgx.ErrNoRows) {
		return Character{}, fmt.Errorf("store: character %q: %w", c.Name, ErrConflict)
	}
	if err != nil {
		return Character{}, fmt.Errorf("store: create character: %w", err)
	}
	return stored, nil
}

// GetCharacter fetches one character by name.
func (s *Store) GetCharacter(ctx context.Context, name string) (Character, error) {
	const q = `SELECT` + characterColumns + ` FROM characters WHERE name = $1`

	rows, err := s.pool.Query(ctx, q, name)
	if err != nil {
		return Character{}, fmt.Errorf("store: get character: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCharacter)
	if errors.Is(err, pgx.ErrNoRows) {
		return Character{}, fmt.Errorf("store: character %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return Character{}, fmt.Errorf("store: get character: %w", err)
	}
	return c, nil
}

// ListCharacters returns every character ordered by name.
func (s *Store) ListCharacters(ctx context.Context) ([]Character, error) {
	const q = `SELECT` + characterColumns + ` FROM characters ORDER BY name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list characters: %w", err)
	}
	list, err := pgx.CollectRows(rows, scanCharacter)
	if err != nil {
		return nil, fmt.Errorf("store: list characters: %w", err)
	}
	if list == nil {
		list = []Character{}
	}
	return list, nil
}

// UpdateCharacter overwrites a character's mutable fields. When
// expectedUpdatedAt is non-zero the write only applies if the stored
// timestamp still matches; a mismatch returns ErrConflict so the caller can
// refetch.
func (s *Store) UpdateCharacter(ctx context.Context, c Character, expectedUpdatedAt time.Time) (Character, error) {
	q := `
		UPDATE characters SET
		    description = $2, color = $3, icon = $4,
		    default_volume = $5, mute_state = $6,
		    default_text_style = $7, text_font_family = $8, text_font_size = $9,
		    text_color = $10, text_stroke_color = $11, text_stroke_width = $12,
		    text_position_x = $13, text_position_y = $14, text_duration = $15,
		    system_prompt = $16, model = $17, provider_order = $18,
		    temperature = $19, max_tokens = $20,
		    twitch_chat_enabled = $21, twitch_chat_window_seconds = $22,
		    twitch_chat_max_messages = $23,
		    memory_enabled = $24, persist_memory = $25,
		    tts_provider = $26, tts_settings = $27,
		    updated_at = now()
		WHERE name = $1`
	args := []any{
		c.Name, c.Description, c.Color, c.Icon,
		c.DefaultVolume, c.MuteState,
		c.DefaultTextStyle, c.TextFontFamily, c.TextFontSize,
		c.TextColor, c.TextStrokeColor, c.TextStrokeWidth,
		c.TextPositionX, c.TextPositionY, c.TextDuration,
		c.SystemPrompt, c.Model, c.ProviderOrder, c.Temperature, c.MaxTokens,
		c.TwitchChatEnabled, c.TwitchChatWindowSeconds, c.TwitchChatMaxMessages,
		c.MemoryEnabled, c.PersistMemory, c.TTSProvider, c.TTSSettings,
	}
	if !expectedUpdatedAt.IsZero() {
		q += ` AND updated_at = $28`
		args = append(args, expectedUpdatedAt)
	}
	q += ` RETURNING` + characterColumns

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return Character{}, fmt.Errorf("store: update character: %w", err)
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanCharacter)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing row from a timestamp mismatch.
		if _, getErr := s.GetCharacter(ctx, c.Name); getErr != nil {
			return Character{}, getErr
		}
		return Character{}, fmt.Errorf("store: character %q: %w", c.Name, ErrConflict)
	}
	if err != nil {
		return Character{}, fmt.Errorf("store: update character: %w", err)
	}
	return stored, nil
}

// DeleteCharacter removes a character and its conversation history.
func (s *Store) DeleteCharacter(ctx context.Context, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: delete character: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM characters WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("store: delete character: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: character %q: %w", name, ErrNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM conversation_messages WHERE character_name = $1`, name); err != nil {
		return fmt.Errorf("store: delete character messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: delete character: %w", err)
	}
	return nil
}

// PersistentCharacters lists the names of characters with durable memory.
func (s *Store) PersistentCharacters(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM characters WHERE persist_memory`)
	if err != nil {
		return nil, fmt.Errorf("store: persistent characters: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store: persistent characters: %w", err)
	}
	return names, nil
}

// RecordPlayback appends a playback-log row. Satisfies stage.PlaybackRecorder.
func (s *Store) RecordPlayback(ctx context.Context, character, content, contentType string) error {
	const q = `INSERT INTO playback_log (character, content, content_type) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, character, content, contentType); err != nil {
		return fmt.Errorf("store: record playback: %w", err)
	}
	return nil
}

// PlaybackEntry is one playback-log row.
type PlaybackEntry struct {
	ID          int64     `json:"id"`
	Character   string    `json:"character"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecentPlayback returns the newest limit rows, newest first.
func (s *Store) RecentPlayback(ctx context.Context, limit int) ([]PlaybackEntry, error) {
	const q = `
		SELECT id, character, content, content_type, created_at
		FROM   playback_log
		ORDER  BY created_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent playback: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PlaybackEntry, error) {
		var e PlaybackEntry
		err := row.Scan(&e.ID, &e.Character, &e.Content, &e.ContentType, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: recent playback: %w", err)
	}
	if entries == nil {
		entries = []PlaybackEntry{}
	}
	return entries, nil
}
