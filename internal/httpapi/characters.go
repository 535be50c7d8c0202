package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/scenecast/scenecast/internal/protocol"
	"github.com/scenecast/scenecast/internal/store"
	"github.com/scenecast/scenecast/pkg/provider/tts"
)

// characterPayload is the wire shape of a character record.
type characterPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
	Icon        string `json:"icon"`

	DefaultVolume float64 `json:"default_volume"`
	MuteState     bool    `json:"mute_state"`

	DefaultTextStyle string  `json:"default_text_style"`
	TextFontFamily   string  `json:"text_font_family"`
	TextFontSize     int     `json:"text_font_size"`
	TextColor        string  `json:"text_color"`
	TextStrokeColor  string  `json:"text_stroke_color"`
	TextStrokeWidth  int     `json:"text_stroke_width"`
	TextPositionX    float64 `json:"text_position_x"`
	TextPositionY    float64 `json:"text_position_y"`
	TextDuration     int     `json:"text_duration"`

	SystemPrompt  string  `json:"system_prompt"`
	Model         string  `json:"model"`
	ProviderOrder string  `json:"provider_order"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`

	TwitchChatEnabled       bool `json:"twitch_chat_enabled"`
	TwitchChatWindowSeconds int  `json:"twitch_chat_window_seconds"`
	TwitchChatMaxMessages   int  `json:"twitch_chat_max_messages"`

	MemoryEnabled bool `json:"memory_enabled"`
	PersistMemory bool `json:"persist_memory"`

	TTSProvider string          `json:"tts_provider"`
	TTSSettings json.RawMessage `json:"tts_settings,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// updateCharacterRequest adds the optimistic-concurrency token to the
// payload.
type updateCharacterRequest struct {
	characterPayload
	ExpectedUpdatedAt time.Time `json:"expected_updated_at,omitempty"`
}

func characterToPayload(c store.Character) characterPayload {
	p := characterPayload{
		Name:                    c.Name,
		Description:             c.Description,
		Color:                   c.Color,
		Icon:                    c.Icon,
		DefaultVolume:           c.DefaultVolume,
		MuteState:               c.MuteState,
		DefaultTextStyle:        c.DefaultTextStyle,
		TextFontFamily:          c.TextFontFamily,
		TextFontSize:            c.TextFontSize,
		TextColor:               c.TextColor,
		TextStrokeColor:         c.TextStrokeColor,
		TextStrokeWidth:         c.TextStrokeWidth,
		TextPositionX:           c.TextPositionX,
		TextPositionY:           c.TextPositionY,
		TextDuration:            c.TextDuration,
		SystemPrompt:            c.SystemPrompt,
		Model:                   c.Model,
		ProviderOrder:           c.ProviderOrder,
		Temperature:             c.Temperature,
		MaxTokens:               c.MaxTokens,
		TwitchChatEnabled:       c.TwitchChatEnabled,
		TwitchChatWindowSeconds: c.TwitchChatWindowSeconds,
		TwitchChatMaxMessages:   c.TwitchChatMaxMessages,
		MemoryEnabled:           c.MemoryEnabled,
		PersistMemory:           c.PersistMemory,
		TTSProvider:             c.TTSProvider,
		CreatedAt:               c.CreatedAt,
		UpdatedAt:               c.UpdatedAt,
	}
	if c.TTSSettings != "" {
		p.TTSSettings = json.RawMessage(c.TTSSettings)
	}
	return p
}

func payloadToCharacter(p characterPayload) store.Character {
	return store.Character{
		Name:                    p.Name,
		Description:             p.Description,
		Color:                   p.Color,
		Icon:                    p.Icon,
		DefaultVolume:           p.DefaultVolume,
		MuteState:               p.MuteState,
		DefaultTextStyle:        p.DefaultTextStyle,
		TextFontFamily:          p.TextFontFamily,
		TextFontSize:            p.TextFontSize,
		TextColor:               p.TextColor,
		TextStrokeColor:         p.TextStrokeColor,
		TextStrokeWidth:         p.TextStrokeWidth,
		TextPositionX:           p.TextPositionX,
		TextPositionY:           p.TextPositionY,
		TextDuration:            p.TextDuration,
		SystemPrompt:            p.SystemPrompt,
		Model:                   p.Model,
		ProviderOrder:           p.ProviderOrder,
		Temperature:             p.Temperature,
		MaxTokens:               p.MaxTokens,
		TwitchChatEnabled:       p.TwitchChatEnabled,
		TwitchChatWindowSeconds: p.TwitchChatWindowSeconds,
		TwitchChatMaxMessages:   p.TwitchChatMaxMessages,
		MemoryEnabled:           p.MemoryEnabled,
		PersistMemory:           p.PersistMemory,
		TTSProvider:             p.TTSProvider,
		TTSSettings:             string(p.TTSSettings),
	}
}

// applyCharacterDefaults fills the fields the overlay needs sensible values
// for when the client omits them.
func applyCharacterDefaults(c *store.Character) {
	if c.DefaultVolume == 0 {
		c.DefaultVolume = 1.0
	}
	if c.TextFontFamily == "" {
		c.TextFontFamily = "Arial"
	}
	if c.TextFontSize == 0 {
		c.TextFontSize = 48
	}
	if c.TextColor == "" {
		c.TextColor = "#ffffff"
	}
	if c.TextPositionX == 0 {
		c.TextPositionX = 0.5
	}
	if c.TextPositionY == 0 {
		c.TextPositionY = 0.5
	}
	if c.TextDuration == 0 {
		c.TextDuration = 5000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.TwitchChatWindowSeconds == 0 {
		c.TwitchChatWindowSeconds = 300
	}
	if c.TwitchChatMaxMessages == 0 {
		c.TwitchChatMaxMessages = 25
	}
	if c.TTSProvider == "" {
		c.TTSProvider = tts.ProviderElevenLabs
	}
}

func (s *Server) handleListCharacters(w http.ResponseWriter, r *http.Request) {
	chars, err := s.DB.ListCharacters(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	payloads := make([]characterPayload, len(chars))
	for i, c := range chars {
		payloads[i] = characterToPayload(c)
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) handleCreateCharacter(w http.ResponseWriter, r *http.Request) {
	var p characterPayload
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if p.Name == "" {
		writeError(w, http.StatusBadRequest, "character name is required")
		return
	}

	c := payloadToCharacter(p)
	applyCharacterDefaults(&c)
	stored, err := s.DB.CreateCharacter(r.Context(), c)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.broadcastCharacterSync(r)
	writeJSON(w, http.StatusCreated, characterToPayload(stored))
}

func (s *Server) handleGetCharacter(w http.ResponseWriter, r *http.Request) {
	c, err := s.DB.GetCharacter(r.Context(), r.PathValue("name"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, characterToPayload(c))
}

func (s *Server) handleUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	var req updateCharacterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "%s", err)
		return
	}

	c := payloadToCharacter(req.characterPayload)
	c.Name = r.PathValue("name")
	stored, err := s.DB.UpdateCharacter(r.Context(), c, req.ExpectedUpdatedAt)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.broadcastCharacterSync(r)
	writeJSON(w, http.StatusOK, characterToPayload(stored))
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	// Tear the runtime state down before the row: any in-flight generation,
	// overlay sessions, and both memory tiers.
	s.Coordinator.Stop(r.Context(), name)
	if err := s.DB.DeleteCharacter(r.Context(), name); err != nil {
		writeStoreError(w, err)
		return
	}
	s.Hub.CloseCharacter(name)
	if s.Memory != nil {
		// The durable rows went with the character row; clear the cache tier.
		if err := s.Memory.Clear(r.Context(), name); err != nil {
			writeError(w, http.StatusInternalServerError, "%s", err)
			return
		}
	}
	s.Coordinator.ClearPending(name)

	s.broadcastCharacterSync(r)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "character": name})
}

// broadcastCharacterSync pushes the full character list to dashboards after
// any mutation. Best effort.
func (s *Server) broadcastCharacterSync(r *http.Request) {
	chars, err := s.DB.ListCharacters(r.Context())
	if err != nil {
		return
	}
	payloads := make([]any, len(chars))
	for i, c := range chars {
		payloads[i] = characterToPayload(c)
	}
	s.Hub.BroadcastDashboard(protocol.CharacterSync(payloads))
}
