package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scenecast/scenecast/internal/httpapi"
	"github.com/scenecast/scenecast/internal/store"
	"github.com/scenecast/scenecast/internal/wish"
)

var (
	_ httpapi.Database = (*memDB)(nil)
	_ wish.Archive     = (*memDB)(nil)
)

// memDB is the database-free fallback behind the REST surface: the same
// semantics as *store.Store over process-local maps. Used when no DSN is
// configured, so the server still runs for local experimentation.
type memDB struct {
	mu sync.Mutex

	characters map[string]store.Character
	presets    map[int64]store.TextPreset
	playback   []store.PlaybackEntry
	token      *store.TwitchToken
	wishConfig *store.WishConfig
	sessions   []store.WishSessionRecord

	nextID int64
}

func newMemDB() *memDB {
	return &memDB{
		characters: make(map[string]store.Character),
		presets:    make(map[int64]store.TextPreset),
	}
}

func (db *memDB) id() int64 {
	db.nextID++
	return db.nextID
}

func (db *memDB) CreateCharacter(_ context.Context, c store.Character) (store.Character, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.characters[c.Name]; ok {
		return store.Character{}, fmt.Errorf("character %q: %w", c.Name, store.ErrConflict)
	}
	c.ID = db.id()
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	db.characters[c.Name] = c
	return c, nil
}

func (db *memDB) GetCharacter(_ context.Context, name string) (store.Character, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.characters[name]
	if !ok {
		return store.Character{}, fmt.Errorf("character %q: %w", name, store.ErrNotFound)
	}
	return c, nil
}

func (db *memDB) ListCharacters(_ context.Context) ([]store.Character, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.Character, 0, len(db.characters))
	for _, c := range db.characters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (db *memDB) UpdateCharacter(_ context.Context, c store.Character, expected time.Time) (store.Character, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	current, ok := db.characters[c.Name]
	if !ok {
		return store.Character{}, fmt.Errorf("character %q: %w", c.Name, store.ErrNotFound)
	}
	if !expected.IsZero() && !expected.Equal(current.UpdatedAt) {
		return store.Character{}, fmt.Errorf("character %q: %w", c.Name, store.ErrConflict)
	}
	c.ID = current.ID
	c.CreatedAt = current.CreatedAt
	c.UpdatedAt = time.Now()
	db.characters[c.Name] = c
	return c, nil
}

func (db *memDB) DeleteCharacter(_ context.Context, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.characters[name]; !ok {
		return fmt.Errorf("character %q: %w", name, store.ErrNotFound)
	}
	delete(db.characters, name)
	return nil
}

func (db *memDB) CreatePreset(_ context.Context, p store.TextPreset) (store.TextPreset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p.ID = db.id()
	p.CreatedAt = time.Now()
	db.presets[p.ID] = p
	return p, nil
}

func (db *memDB) ListPresets(_ context.Context, character string) ([]store.TextPreset, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.TextPreset, 0, len(db.presets))
	for _, p := range db.presets {
		if character == "" || p.Character == character || p.Character == "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (db *memDB) DeletePreset(_ context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.presets[id]; !ok {
		return fmt.Errorf("preset %d: %w", id, store.ErrNotFound)
	}
	delete(db.presets, id)
	return nil
}

func (db *memDB) RecordPlayback(_ context.Context, character, content, contentType string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.playback = append(db.playback, store.PlaybackEntry{
		ID:          db.id(),
		Character:   character,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (db *memDB) RecentPlayback(_ context.Context, limit int) ([]store.PlaybackEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.PlaybackEntry, 0, limit)
	for i := len(db.playback) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, db.playback[i])
	}
	return out, nil
}

func (db *memDB) SaveTwitchToken(_ context.Context, tok store.TwitchToken) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	tok.UpdatedAt = time.Now()
	db.token = &tok
	return nil
}

func (db *memDB) GetTwitchToken(context.Context) (store.TwitchToken, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.token == nil {
		return store.TwitchToken{}, fmt.Errorf("twitch token: %w", store.ErrNotFound)
	}
	return *db.token, nil
}

func (db *memDB) DeleteTwitchToken(context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.token = nil
	return nil
}

func (db *memDB) GetWishConfig(context.Context) (store.WishConfig, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.wishConfig == nil {
		return store.DefaultWishConfig(), nil
	}
	return *db.wishConfig, nil
}

func (db *memDB) SaveWishConfig(_ context.Context, cfg store.WishConfig) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.wishConfig = &cfg
	return nil
}

func (db *memDB) ListWishSessions(_ context.Context, limit int) ([]store.WishSessionRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.WishSessionRecord, 0, limit)
	for i := len(db.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, db.sessions[i])
	}
	return out, nil
}

func (db *memDB) SaveWishSession(_ context.Context, rec store.WishSessionRecord) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.sessions {
		if db.sessions[i].ID == rec.ID {
			db.sessions[i] = rec
			return nil
		}
	}
	db.sessions = append(db.sessions, rec)
	return nil
}

func (db *memDB) RecentWishSessionsByRedeemer(_ context.Context, redeemerID string, limit int) ([]store.WishSessionRecord, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]store.WishSessionRecord, 0, limit)
	for i := len(db.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		if db.sessions[i].RedeemerID == redeemerID {
			out = append(out, db.sessions[i])
		}
	}
	return out, nil
}
