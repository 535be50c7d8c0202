// Package httpapi is the REST and WebSocket surface: character CRUD,
// speak/chat/stop, memory, stage commands, presets, provider catalogues,
// platform auth and rewards, the wish-session endpoints, and the overlay and
// dashboard session handshakes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scenecast/scenecast/internal/health"
	"github.com/scenecast/scenecast/internal/hub"
	"github.com/scenecast/scenecast/internal/memory"
	"github.com/scenecast/scenecast/internal/pipeline"
	"github.com/scenecast/scenecast/internal/stage"
	"github.com/scenecast/scenecast/internal/store"
	"github.com/scenecast/scenecast/internal/twitch"
	"github.com/scenecast/scenecast/internal/wish"
	"github.com/scenecast/scenecast/pkg/provider/llm"
	"github.com/scenecast/scenecast/pkg/provider/tts"
)

// maxBodyBytes bounds request bodies; chat requests may carry inline images.
const maxBodyBytes = 20 << 20

// CharacterStore is the character-table slice of the durable layer.
type CharacterStore interface {
	CreateCharacter(ctx context.Context, c store.Character) (store.Character, error)
	GetCharacter(ctx context.Context, name string) (store.Character, error)
	ListCharacters(ctx context.Context) ([]store.Character, error)
	UpdateCharacter(ctx context.Context, c store.Character, expectedUpdatedAt time.Time) (store.Character, error)
	DeleteCharacter(ctx context.Context, name string) error
}

// PresetStore covers text-preset CRUD.
type PresetStore interface {
	CreatePreset(ctx context.Context, p store.TextPreset) (store.TextPreset, error)
	ListPresets(ctx context.Context, character string) ([]store.TextPreset, error)
	DeletePreset(ctx context.Context, id int64) error
}

// HistoryStore serves the playback log.
type HistoryStore interface {
	RecentPlayback(ctx context.Context, limit int) ([]store.PlaybackEntry, error)
}

// TwitchStore holds the singleton platform token.
type TwitchStore interface {
	SaveTwitchToken(ctx context.Context, tok store.TwitchToken) error
	GetTwitchToken(ctx context.Context) (store.TwitchToken, error)
	DeleteTwitchToken(ctx context.Context) error
}

// WishStore holds wish-session configuration and archives.
type WishStore interface {
	GetWishConfig(ctx context.Context) (store.WishConfig, error)
	SaveWishConfig(ctx context.Context, cfg store.WishConfig) error
	ListWishSessions(ctx context.Context, limit int) ([]store.WishSessionRecord, error)
}

// Database is the full durable surface the API needs. *store.Store
// satisfies it.
type Database interface {
	CharacterStore
	PresetStore
	HistoryStore
	TwitchStore
	WishStore
}

var _ Database = (*store.Store)(nil)

// Server holds the wired collaborators behind the HTTP surface.
type Server struct {
	DB          Database
	Hub         *hub.Hub
	Stage       *stage.Stage
	Coordinator *pipeline.Coordinator
	Memory      *memory.Memory
	Buffer      *twitch.ChatBuffer
	Wish        *wish.Manager
	Helix       *twitch.Helix
	LLM         llm.Client
	Health      *health.Handler

	// NewTTSClient and NewCatalogue wrap the provider factory so tests can
	// substitute in-memory clients.
	NewTTSClient func(provider string, settings json.RawMessage) (tts.Client, error)
	NewCatalogue func(provider string) (tts.Catalogue, error)

	// OnWishConfigSaved applies a saved configuration to the running wish
	// machinery (manager swap, reward lockstep). May be nil.
	OnWishConfigSaved func(ctx context.Context, cfg store.WishConfig)

	Version string
	BuildID string
}

// Routes builds the full route table on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/characters", s.handleListCharacters)
	mux.HandleFunc("POST /api/characters", s.handleCreateCharacter)
	mux.HandleFunc("GET /api/characters/{name}", s.handleGetCharacter)
	mux.HandleFunc("PUT /api/characters/{name}", s.handleUpdateCharacter)
	mux.HandleFunc("DELETE /api/characters/{name}", s.handleDeleteCharacter)

	mux.HandleFunc("POST /api/characters/{name}/speak", s.handleSpeak)
	mux.HandleFunc("POST /api/characters/{name}/chat", s.handleChat)
	mux.HandleFunc("POST /api/characters/{name}/stop", s.handleStop)
	mux.HandleFunc("GET /api/characters/{name}/memory", s.handleGetMemory)
	mux.HandleFunc("DELETE /api/characters/{name}/memory", s.handleClearMemory)

	mux.HandleFunc("POST /api/characters/{name}/audio/play", s.handlePlayAudio)
	mux.HandleFunc("POST /api/characters/{name}/audio/stop", s.handleStopAudio)
	mux.HandleFunc("POST /api/characters/{name}/audio/volume", s.handleVolume)
	mux.HandleFunc("POST /api/characters/{name}/text", s.handleShowText)
	mux.HandleFunc("DELETE /api/characters/{name}/text", s.handleClearText)

	mux.HandleFunc("GET /api/presets", s.handleListPresets)
	mux.HandleFunc("POST /api/presets", s.handleCreatePreset)
	mux.HandleFunc("DELETE /api/presets/{id}", s.handleDeletePreset)
	mux.HandleFunc("GET /api/history", s.handleHistory)

	mux.HandleFunc("GET /api/tts/{provider}/voices", s.handleVoices)
	mux.HandleFunc("GET /api/tts/{provider}/models", s.handleModels)

	mux.HandleFunc("GET /api/twitch/status", s.handleTwitchStatus)
	mux.HandleFunc("POST /api/twitch/token", s.handleSaveTwitchToken)
	mux.HandleFunc("DELETE /api/twitch/token", s.handleDeleteTwitchToken)
	mux.HandleFunc("GET /api/twitch/chat", s.handleTwitchChat)
	mux.HandleFunc("GET /api/twitch/rewards", s.handleListRewards)
	mux.HandleFunc("POST /api/twitch/rewards", s.handleCreateReward)
	mux.HandleFunc("POST /api/twitch/rewards/{id}/enabled", s.handleSetRewardEnabled)

	mux.HandleFunc("GET /api/wish/status", s.handleWishStatus)
	mux.HandleFunc("GET /api/wish/config", s.handleGetWishConfig)
	mux.HandleFunc("PUT /api/wish/config", s.handlePutWishConfig)
	mux.HandleFunc("GET /api/wish/sessions", s.handleWishSessions)
	mux.HandleFunc("POST /api/wish/verdict", s.handleWishVerdict)
	mux.HandleFunc("POST /api/wish/cancel", s.handleWishCancel)
	mux.HandleFunc("POST /api/wish/message", s.handleWishMessage)
	mux.HandleFunc("POST /api/wish/speak", s.handleWishSpeak)
	mux.HandleFunc("POST /api/wish/interrupt", s.handleWishInterrupt)

	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /ws/dashboard", s.handleDashboardWS)
	mux.HandleFunc("GET /ws/wish-dashboard", s.handleWishDashboardWS)
	mux.HandleFunc("GET /ws/chat", s.handleChatViewWS)
	mux.HandleFunc("GET /ws/{character}", s.handleOverlayWS)

	if s.Health != nil {
		s.Health.Register(mux)
	}
	return mux
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":  s.Version,
		"build_id": s.BuildID,
	})
}

// errorBody is the structured error response shape.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// writeStoreError maps the store's sentinel errors onto status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "%s", err)
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "%s", err)
	default:
		writeError(w, http.StatusInternalServerError, "%s", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
