package store_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scenecast/scenecast/internal/memory"
	"github.com/scenecast/scenecast/internal/store"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SCENECAST_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SCENECAST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCENECAST_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a store on a clean schema and registers cleanup.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err = pool.Exec(ctx, `
		DROP TABLE IF EXISTS characters, conversation_messages, text_presets,
		    playback_log, wish_sessions, twitch_token, wish_config`)
	pool.Close()
	if err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestCharacterLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateCharacter(ctx, store.Character{
		Name: "alice", TTSProvider: "elevenlabs", TTSSettings: "{}",
		DefaultVolume: 1.0, Temperature: 0.8, MaxTokens: 300,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 || created.UpdatedAt.IsZero() {
		t.Errorf("created = %+v", created)
	}

	if _, err := s.CreateCharacter(ctx, store.Character{Name: "alice"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate create err = %v, want ErrConflict", err)
	}

	created.Description = "updated"
	updated, err := s.UpdateCharacter(ctx, created, created.UpdatedAt)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Description != "updated" {
		t.Errorf("updated = %+v", updated)
	}

	// Stale timestamp must conflict.
	created.Description = "stale write"
	if _, err := s.UpdateCharacter(ctx, created, created.UpdatedAt); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}

	if err := s.DeleteCharacter(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCharacter(ctx, "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestConversationMessagesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertMessage(ctx, "alice", memory.Message{
		Role: memory.RoleAssistant, Content: "partial", Interrupted: true, GeneratedText: "full",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpdateMessageContent(ctx, id, "reconciled"); err != nil {
		t.Fatalf("update: %v", err)
	}

	msgs, err := s.LoadMessages(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "reconciled" || msgs[0].GeneratedText != "full" {
		t.Errorf("msgs = %+v", msgs)
	}

	if err := s.DeleteMessages(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if msgs, _ := s.LoadMessages(ctx, "alice"); len(msgs) != 0 {
		t.Errorf("messages after clear = %+v", msgs)
	}
}

func TestWishConfigSingleton(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg, err := s.GetWishConfig(ctx)
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if cfg.MaxFollowups != 2 || cfg.ChatVoteSeconds != 15 {
		t.Errorf("defaults = %+v", cfg)
	}

	cfg.Enabled = true
	cfg.RewardID = "reward-1"
	if err := s.SaveWishConfig(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetWishConfig(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Enabled || got.RewardID != "reward-1" {
		t.Errorf("config = %+v", got)
	}
}

func TestWishSessionArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := store.WishSessionRecord{
		ID: "sess-1", RedeemerID: "u1", RedeemerLogin: "bob", RedeemerDisplayName: "Bob",
		WishText: "a pony", State: "complete", Outcome: "grant",
		Conversation: []store.WishTurn{{Role: "user", Content: "a pony"}},
	}
	if err := s.SaveWishSession(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.RecentWishSessionsByRedeemer(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Outcome != "grant" || len(got[0].Conversation) != 1 {
		t.Errorf("sessions = %+v", got)
	}
}
