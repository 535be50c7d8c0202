package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCharacters = `
CREATE TABLE IF NOT EXISTS characters (
    id                         BIGSERIAL    PRIMARY KEY,
    name                       TEXT         NOT NULL UNIQUE,
    description                TEXT         NOT NULL DEFAULT '',
    color                      TEXT         NOT NULL DEFAULT '#ffffff',
    icon                       TEXT         NOT NULL DEFAULT '',
    default_volume             DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    mute_state                 BOOLEAN      NOT NULL DEFAULT FALSE,
    default_text_style         TEXT         NOT NULL DEFAULT 'standard',
    text_font_family           TEXT         NOT NULL DEFAULT 'Arial',
    text_font_size             INTEGER      NOT NULL DEFAULT 32,
    text_color                 TEXT         NOT NULL DEFAULT '#ffffff',
    text_stroke_color          TEXT         NOT NULL DEFAULT '#000000',
    text_stroke_width          INTEGER      NOT NULL DEFAULT 2,
    text_position_x            DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    text_position_y            DOUBLE PRECISION NOT NULL DEFAULT 0.8,
    text_duration              INTEGER      NOT NULL DEFAULT 5000,
    system_prompt              TEXT         NOT NULL DEFAULT '',
    model                      TEXT         NOT NULL DEFAULT '',
    provider_order             TEXT         NOT NULL DEFAULT '',
    temperature                DOUBLE PRECISION NOT NULL DEFAULT 0.8,
    max_tokens                 INTEGER      NOT NULL DEFAULT 300,
    twitch_chat_enabled        BOOLEAN      NOT NULL DEFAULT FALSE,
    twitch_chat_window_seconds INTEGER      NOT NULL DEFAULT 60,
    twitch_chat_max_messages   INTEGER      NOT NULL DEFAULT 10,
    memory_enabled             BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at                 TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at                 TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlConversationMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id             BIGSERIAL    PRIMARY KEY,
    character_name TEXT         NOT NULL,
    role           TEXT         NOT NULL,
    content        TEXT         NOT NULL,
    interrupted    BOOLEAN      NOT NULL DEFAULT FALSE,
    generated_text TEXT,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_character
    ON conversation_messages (character_name, created_at);
`

const ddlTextPresets = `
CREATE TABLE IF NOT EXISTS text_presets (
    id         BIGSERIAL    PRIMARY KEY,
    name       TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    character  TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlPlaybackLog = `
CREATE TABLE IF NOT EXISTS playback_log (
    id           BIGSERIAL    PRIMARY KEY,
    character    TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    content_type TEXT         NOT NULL,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_playback_log_character
    ON playback_log (character, created_at);
`

const ddlWishSessions = `
CREATE TABLE IF NOT EXISTS wish_sessions (
    id                     TEXT         PRIMARY KEY,
    redeemer_id            TEXT         NOT NULL,
    redeemer_login         TEXT         NOT NULL,
    redeemer_display_name  TEXT         NOT NULL,
    wish_text              TEXT         NOT NULL,
    state                  TEXT         NOT NULL,
    outcome                TEXT         NOT NULL DEFAULT '',
    followup_count         INTEGER      NOT NULL DEFAULT 0,
    conversation           JSONB        NOT NULL DEFAULT '[]',
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at           TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_wish_sessions_redeemer
    ON wish_sessions (redeemer_id, created_at);
`

const ddlTwitchToken = `
CREATE TABLE IF NOT EXISTS twitch_token (
    id            INTEGER      PRIMARY KEY CHECK (id = 1),
    access_token  TEXT         NOT NULL,
    refresh_token TEXT         NOT NULL,
    expires_at    TIMESTAMPTZ  NOT NULL,
    scopes        TEXT         NOT NULL DEFAULT '',
    user_login    TEXT         NOT NULL DEFAULT '',
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlWishConfig = `
CREATE TABLE IF NOT EXISTS wish_config (
    id                       INTEGER      PRIMARY KEY CHECK (id = 1),
    enabled                  BOOLEAN      NOT NULL DEFAULT FALSE,
    reward_id                TEXT         NOT NULL DEFAULT '',
    character                TEXT         NOT NULL DEFAULT '',
    model                    TEXT         NOT NULL DEFAULT '',
    system_prompt            TEXT         NOT NULL DEFAULT '',
    max_followups            INTEGER      NOT NULL DEFAULT 2,
    debounce_seconds         DOUBLE PRECISION NOT NULL DEFAULT 4,
    response_timeout_seconds DOUBLE PRECISION NOT NULL DEFAULT 60,
    chat_vote_seconds        DOUBLE PRECISION NOT NULL DEFAULT 15,
    refund_on_timeout        BOOLEAN      NOT NULL DEFAULT FALSE,
    updated_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// forwardMigrations are additive column changes layered on top of the base
// DDL for databases created by earlier builds. Each statement is idempotent,
// so the whole list reruns on every start.
var forwardMigrations = []string{
	`ALTER TABLE characters ADD COLUMN IF NOT EXISTS persist_memory BOOLEAN NOT NULL DEFAULT FALSE`,
	`ALTER TABLE characters ADD COLUMN IF NOT EXISTS tts_provider TEXT NOT NULL DEFAULT 'elevenlabs'`,
	`ALTER TABLE characters ADD COLUMN IF NOT EXISTS tts_settings TEXT NOT NULL DEFAULT '{}'`,
}

// Migrate creates or updates every table the server needs. Idempotent and
// safe to run on every start; migrations are forward-only.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlCharacters,
		ddlConversationMessages,
		ddlTextPresets,
		ddlPlaybackLog,
		ddlWishSessions,
		ddlTwitchToken,
		ddlWishConfig,
	}
	statements = append(statements, forwardMigrations...)

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
