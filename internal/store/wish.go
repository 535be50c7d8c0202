package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WishTurn is one conversation entry inside an archived wish session.
type WishTurn struct {
	Role         string `json:"role"`
	Content      string `json:"content"`
	ParsedSpeech string `json:"parsed_speech,omitempty"`
	ParsedAction string `json:"parsed_action,omitempty"`
}

// WishSessionRecord is the durable form of one wish session, written at
// terminal states.
type WishSessionRecord struct {
	ID                  string     `json:"id"`
	RedeemerID          string     `json:"redeemer_id"`
	RedeemerLogin       string     `json:"redeemer_login"`
	RedeemerDisplayName string     `json:"redeemer_display_name"`
	WishText            string     `json:"wish_text"`
	State               string     `json:"state"`
	Outcome             string     `json:"outcome"`
	FollowupCount       int        `json:"followup_count"`
	Conversation        []WishTurn `json:"conversation"`
	CreatedAt           time.Time  `json:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// SaveWishSession upserts a session archive row.
func (s *Store) SaveWishSession(ctx context.Context, rec WishSessionRecord) error {
	conversation, err := json.Marshal(rec.Conversation)
	if err != nil {
		return fmt.Errorf("store: encode wish conversation: %w", err)
	}

	const q = `
		INSERT INTO wish_sessions
		    (id, redeemer_id, redeemer_login, redeemer_display_name, wish_text,
		     state, outcome, followup_count, conversation, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    state = EXCLUDED.state,
		    outcome = EXCLUDED.outcome,
		    followup_count = EXCLUDED.followup_count,
		    conversation = EXCLUDED.conversation,
		    completed_at = EXCLUDED.completed_at`

	_, err = s.pool.Exec(ctx, q,
		rec.ID, rec.RedeemerID, rec.RedeemerLogin, rec.RedeemerDisplayName, rec.WishText,
		rec.State, rec.Outcome, rec.FollowupCount, conversation, rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("store: save wish session: %w", err)
	}
	return nil
}

// RecentWishSessionsByRedeemer returns the redeemer's newest sessions,
// newest first, for the returning-visitor block.
func (s *Store) RecentWishSessionsByRedeemer(ctx context.Context, redeemerID string, limit int) ([]WishSessionRecord, error) {
	const q = `
		SELECT id, redeemer_id, redeemer_login, redeemer_display_name, wish_text,
		       state, outcome, followup_count, conversation, created_at, completed_at
		FROM   wish_sessions
		WHERE  redeemer_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, redeemerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent wish sessions: %w", err)
	}
	return collectWishSessions(rows)
}

// ListWishSessions returns the newest archived sessions across all users.
func (s *Store) ListWishSessions(ctx context.Context, limit int) ([]WishSessionRecord, error) {
	const q = `
		SELECT id, redeemer_id, redeemer_login, redeemer_display_name, wish_text,
		       state, outcome, followup_count, conversation, created_at, completed_at
		FROM   wish_sessions
		ORDER  BY created_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list wish sessions: %w", err)
	}
	return collectWishSessions(rows)
}

func collectWishSessions(rows pgx.Rows) ([]WishSessionRecord, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (WishSessionRecord, error) {
		var (
			rec  WishSessionRecord
			conv []byte
		)
		if err := row.Scan(
			&rec.ID, &rec.RedeemerID, &rec.RedeemerLogin, &rec.RedeemerDisplayName,
			&rec.WishText, &rec.State, &rec.Outcome, &rec.FollowupCount,
			&conv, &rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return WishSessionRecord{}, err
		}
		if err := json.Unmarshal(conv, &rec.Conversation); err != nil {
			return WishSessionRecord{}, fmt.Errorf("decode conversation: %w", err)
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan wish sessions: %w", err)
	}
	if recs == nil {
		recs = []WishSessionRecord{}
	}
	return recs, nil
}

// TwitchToken is the singleton OAuth token row.
type TwitchToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       string
	UserLogin    string
	UpdatedAt    time.Time
}

// SaveTwitchToken upserts the singleton token row.
func (s *Store) SaveTwitchToken(ctx context.Context, tok TwitchToken) error {
	const q = `
		INSERT INTO twitch_token (id, access_token, refresh_token, expires_at, scopes, user_login, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
		    access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    scopes = EXCLUDED.scopes,
		    user_login = EXCLUDED.user_login,
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes, tok.UserLogin); err != nil {
		return fmt.Errorf("store: save twitch token: %w", err)
	}
	return nil
}

// GetTwitchToken loads the singleton token row, ErrNotFound when the
// broadcaster never authorized.
func (s *Store) GetTwitchToken(ctx context.Context) (TwitchToken, error) {
	const q = `
		SELECT access_token, refresh_token, expires_at, scopes, user_login, updated_at
		FROM twitch_token WHERE id = 1`

	var tok TwitchToken
	err := s.pool.QueryRow(ctx, q).Scan(
		&tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt, &tok.Scopes, &tok.UserLogin, &tok.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TwitchToken{}, fmt.Errorf("store: twitch token: %w", ErrNotFound)
	}
	if err != nil {
		return TwitchToken{}, fmt.Errorf("store: twitch token: %w", err)
	}
	return tok, nil
}

// DeleteTwitchToken clears the singleton token row.
func (s *Store) DeleteTwitchToken(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM twitch_token WHERE id = 1`); err != nil {
		return fmt.Errorf("store: delete twitch token: %w", err)
	}
	return nil
}

// WishConfig is the singleton wish-session configuration row.
type WishConfig struct {
	Enabled                bool    `json:"enabled"`
	RewardID               string  `json:"reward_id"`
	Character              string  `json:"character"`
	Model                  string  `json:"model"`
	SystemPrompt           string  `json:"system_prompt"`
	MaxFollowups           int     `json:"max_followups"`
	DebounceSeconds        float64 `json:"debounce_seconds"`
	ResponseTimeoutSeconds float64 `json:"response_timeout_seconds"`
	ChatVoteSeconds        float64 `json:"chat_vote_seconds"`
	RefundOnTimeout        bool    `json:"refund_on_timeout"`
}

// DefaultWishConfig mirrors the schema defaults.
func DefaultWishConfig() WishConfig {
	return WishConfig{
		MaxFollowups:           2,
		DebounceSeconds:        4,
		ResponseTimeoutSeconds: 60,
		ChatVoteSeconds:        15,
	}
}

// GetWishConfig loads the singleton config, falling back to defaults when
// the row was never written.
func (s *Store) GetWishConfig(ctx context.Context) (WishConfig, error) {
	const q = `
		SELECT enabled, reward_id, character, model, system_prompt,
		       max_followups, debounce_seconds, response_timeout_seconds,
		       chat_vote_seconds, refund_on_timeout
		FROM wish_config WHERE id = 1`

	var cfg WishConfig
	err := s.pool.QueryRow(ctx, q).Scan(
		&cfg.Enabled, &cfg.RewardID, &cfg.Character, &cfg.Model, &cfg.SystemPrompt,
		&cfg.MaxFollowups, &cfg.DebounceSeconds, &cfg.ResponseTimeoutSeconds,
		&cfg.ChatVoteSeconds, &cfg.RefundOnTimeout,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultWishConfig(), nil
	}
	if err != nil {
		return WishConfig{}, fmt.Errorf("store: wish config: %w", err)
	}
	return cfg, nil
}

// SaveWishConfig upserts the singleton config row.
func (s *Store) SaveWishConfig(ctx context.Context, cfg WishConfig) error {
	const q = `
		INSERT INTO wish_config
		    (id, enabled, reward_id, character, model, system_prompt,
		     max_followups, debounce_seconds, response_timeout_seconds,
		     chat_vote_seconds, refund_on_timeout, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
		    enabled = EXCLUDED.enabled,
		    reward_id = EXCLUDED.reward_id,
		    character = EXCLUDED.character,
		    model = EXCLUDED.model,
		    system_prompt = EXCLUDED.system_prompt,
		    max_followups = EXCLUDED.max_followups,
		    debounce_seconds = EXCLUDED.debounce_seconds,
		    response_timeout_seconds = EXCLUDED.response_timeout_seconds,
		    chat_vote_seconds = EXCLUDED.chat_vote_seconds,
		    refund_on_timeout = EXCLUDED.refund_on_timeout,
		    updated_at = now()`

	_, err := s.pool.Exec(ctx, q,
		cfg.Enabled, cfg.RewardID, cfg.Character, cfg.Model, cfg.SystemPrompt,
		cfg.MaxFollowups, cfg.DebounceSeconds, cfg.ResponseTimeoutSeconds,
		cfg.ChatVoteSeconds, cfg.RefundOnTimeout,
	)
	if err != nil {
		return fmt.Errorf("store: save wish config: %w", err)
	}
	return nil
}
