package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TextPreset is a saved caption snippet, optionally pinned to one character.
type TextPreset struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	Character string    `json:"character,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatePreset inserts a preset and returns it with id and timestamp filled.
func (s *Store) CreatePreset(ctx context.Context, p TextPreset) (TextPreset, error) {
	const q = `
		INSERT INTO text_presets (name, text, character)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := s.pool.QueryRow(ctx, q, p.Name, p.Text, p.Character).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return TextPreset{}, fmt.Errorf("store: create preset: %w", err)
	}
	return p, nil
}

// ListPresets returns presets usable by a character: its own plus the
// unpinned ones. An empty character returns everything.
func (s *Store) ListPresets(ctx context.Context, character string) ([]TextPreset, error) {
	q := `SELECT id, name, text, character, created_at FROM text_presets`
	var args []any
	if character != "" {
		q += ` WHERE character = '' OR character = $1`
		args = append(args, character)
	}
	q += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list presets: %w", err)
	}
	presets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TextPreset, error) {
		var p TextPreset
		err := row.Scan(&p.ID, &p.Name, &p.Text, &p.Character, &p.CreatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: list presets: %w", err)
	}
	if presets == nil {
		presets = []TextPreset{}
	}
	return presets, nil
}

// DeletePreset removes a preset by id.
func (s *Store) DeletePreset(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM text_presets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete preset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: preset %d: %w", id, ErrNotFound)
	}
	return nil
}
